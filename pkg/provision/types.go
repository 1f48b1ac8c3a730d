// Package provision installs and manages the agent daemon on remote hosts
// over SSH, tracking each host's provisioning lifecycle.
package provision

import (
	"fmt"
	"time"
)

// HostStatus represents the lifecycle state of a managed host.
type HostStatus string

const (
	HostStatusPending      HostStatus = "PENDING"
	HostStatusProvisioning HostStatus = "PROVISIONING"
	HostStatusReady        HostStatus = "READY"
	HostStatusError        HostStatus = "ERROR"
)

// Host describes a machine the coordinator can install an agent on.
type Host struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	SSHPort       int        `json:"sshPort"`
	SSHUsername   string     `json:"sshUsername"`
	SSHPassword   string     `json:"-"`
	SSHPrivateKey string     `json:"-"`
	// AgentName is what the installed agent registers as; AgentPort is the
	// port its command server listens on.
	AgentName         string     `json:"agentName"`
	AgentPort         int        `json:"agentPort"`
	Basedir           string     `json:"basedir"`
	Status            HostStatus `json:"status"`
	LastError         string     `json:"lastError"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	LastProvisionedAt *time.Time `json:"lastProvisionedAt,omitempty"`
}

// HostEvent captures provisioning progress for a host.
type HostEvent struct {
	ID        string     `json:"id"`
	HostID    string     `json:"hostId"`
	Status    HostStatus `json:"status"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
}

// SanitizedHost removes credentials from an API response.
type SanitizedHost struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Address           string     `json:"address"`
	SSHPort           int        `json:"sshPort"`
	SSHUsername       string     `json:"sshUsername"`
	AgentName         string     `json:"agentName"`
	AgentPort         int        `json:"agentPort"`
	Basedir           string     `json:"basedir"`
	Status            HostStatus `json:"status"`
	LastError         string     `json:"lastError"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	LastProvisionedAt *time.Time `json:"lastProvisionedAt,omitempty"`
}

// Sanitized converts a host to its API-safe representation.
func (h *Host) Sanitized() SanitizedHost {
	return SanitizedHost{
		ID:                h.ID,
		Name:              h.Name,
		Address:           h.Address,
		SSHPort:           h.SSHPort,
		SSHUsername:       h.SSHUsername,
		AgentName:         h.AgentName,
		AgentPort:         h.AgentPort,
		Basedir:           h.Basedir,
		Status:            h.Status,
		LastError:         h.LastError,
		CreatedAt:         h.CreatedAt,
		UpdatedAt:         h.UpdatedAt,
		LastProvisionedAt: h.LastProvisionedAt,
	}
}

// AgentURL is where the coordinator reaches the installed agent.
func (h *Host) AgentURL() string {
	return fmt.Sprintf("http://%s:%d", h.Address, h.AgentPort)
}
