package provision

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines the storage operations the provisioner and the API need.
type Repository interface {
	CreateHost(host *Host) (*Host, error)
	ListHosts() []SanitizedHost
	GetHost(id string) (*Host, bool)
	UpdateStatus(id string, status HostStatus, message string) (*Host, error)
	AppendEvent(id string, status HostStatus, message string)
	GetEvents(id string) []HostEvent
	DeleteHost(id string) error
}

// Store persists host metadata and provisioning events to a JSON file.
// Credentials are stored in the file but never leave through the API.
type Store struct {
	path   string
	mu     sync.RWMutex
	hosts  map[string]*Host
	events map[string][]HostEvent
}

var _ Repository = (*Store)(nil)

type persistContainer struct {
	Hosts  []*persistedHost `json:"hosts"`
	Events [][]HostEvent    `json:"events"`
}

type persistedHost struct {
	*Host
	SSHPassword   string `json:"sshPassword"`
	SSHPrivateKey string `json:"sshPrivateKey"`
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:   path,
		hosts:  make(map[string]*Host),
		events: make(map[string][]HostEvent),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var container persistContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parse host store: %w", err)
	}
	for idx, ph := range container.Hosts {
		if ph.Host == nil {
			continue
		}
		h := *ph.Host
		h.SSHPassword = ph.SSHPassword
		h.SSHPrivateKey = ph.SSHPrivateKey
		s.hosts[h.ID] = &h
		if idx < len(container.Events) {
			s.events[h.ID] = container.Events[idx]
		}
	}
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	container := persistContainer{}
	for _, host := range s.hosts {
		copyHost := *host
		container.Hosts = append(container.Hosts, &persistedHost{
			Host:          &copyHost,
			SSHPassword:   host.SSHPassword,
			SSHPrivateKey: host.SSHPrivateKey,
		})
		container.Events = append(container.Events, append([]HostEvent(nil), s.events[host.ID]...))
	}
	payload, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) CreateHost(host *Host) (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	host.ID = uuid.NewString()
	host.Status = HostStatusPending
	host.CreatedAt = now
	host.UpdatedAt = now
	if host.SSHPort == 0 {
		host.SSHPort = 22
	}
	if host.AgentPort == 0 {
		host.AgentPort = 8011
	}
	if strings.TrimSpace(host.AgentName) == "" {
		host.AgentName = host.Name
	}
	if strings.TrimSpace(host.Basedir) == "" {
		host.Basedir = "/var/lib/loom-agent"
	}

	s.hosts[host.ID] = host
	s.events[host.ID] = append(s.events[host.ID], HostEvent{
		ID:        uuid.NewString(),
		HostID:    host.ID,
		Status:    HostStatusPending,
		Message:   "Host registered",
		CreatedAt: now,
	})
	if err := s.save(); err != nil {
		return nil, err
	}
	return host, nil
}

func (s *Store) ListHosts() []SanitizedHost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]SanitizedHost, 0, len(s.hosts))
	for _, host := range s.hosts {
		result = append(result, host.Sanitized())
	}
	return result
}

func (s *Store) GetHost(id string) (*Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	host, ok := s.hosts[id]
	if !ok {
		return nil, false
	}
	copyHost := *host
	return &copyHost, true
}

func (s *Store) GetEvents(id string) []HostEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HostEvent(nil), s.events[id]...)
}

func (s *Store) UpdateStatus(id string, status HostStatus, message string) (*Host, error) {
	s.mu.Lock()
	host, ok := s.hosts[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("host %s not found", id)
	}
	host.Status = status
	host.UpdatedAt = time.Now().UTC()
	switch status {
	case HostStatusError:
		host.LastError = message
	case HostStatusReady:
		host.LastError = ""
		now := time.Now().UTC()
		host.LastProvisionedAt = &now
	}
	copyHost := *host
	if err := s.save(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.AppendEvent(id, status, message)
	return &copyHost, nil
}

func (s *Store) AppendEvent(id string, status HostStatus, message string) {
	s.mu.Lock()
	s.events[id] = append(s.events[id], HostEvent{
		ID:        uuid.NewString(),
		HostID:    id,
		Status:    status,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	_ = s.save()
	s.mu.Unlock()
}

func (s *Store) DeleteHost(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[id]; !ok {
		return fmt.Errorf("host %s not found", id)
	}
	delete(s.hosts, id)
	delete(s.events, id)
	return s.save()
}
