package discovery

import (
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// Registration describes a gRPC service announced to Consul. The health check uses the
// standard gRPC health protocol.
type Registration struct {
	ID              string
	Name            string
	Host            string
	Port            int
	Tags            []string
	CheckInterval   string
	DeregisterAfter string
}

// ConsulRegistry registers services with the local Consul agent.
type ConsulRegistry struct {
	client *consulapi.Client
	logger *zerolog.Logger
}

// NewConsulRegistry creates a registry talking to the agent at address.
func NewConsulRegistry(address string, logger *zerolog.Logger) (*ConsulRegistry, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = address

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &ConsulRegistry{client: client, logger: logger}, nil
}

// Register announces reg to the agent.
func (r *ConsulRegistry) Register(reg Registration) error {
	interval := reg.CheckInterval
	if interval == "" {
		interval = "10s"
	}
	deregisterAfter := reg.DeregisterAfter
	if deregisterAfter == "" {
		deregisterAfter = "1m"
	}

	service := &consulapi.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Address: reg.Host,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Check: &consulapi.AgentServiceCheck{
			GRPC:                           net.JoinHostPort(reg.Host, strconv.Itoa(reg.Port)),
			Interval:                       interval,
			DeregisterCriticalServiceAfter: deregisterAfter,
		},
	}

	if err := r.client.Agent().ServiceRegister(service); err != nil {
		return fmt.Errorf("register service %q: %w", reg.ID, err)
	}

	r.logger.Info().Str("service_id", reg.ID).Str("service_name", reg.Name).Msg("registered service with consul")
	return nil
}

// Deregister removes the service from the agent.
func (r *ConsulRegistry) Deregister(serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("deregister service %q: %w", serviceID, err)
	}

	r.logger.Info().Str("service_id", serviceID).Msg("deregistered service from consul")
	return nil
}
