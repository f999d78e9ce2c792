package consul

import (
	"fmt"
	"net"
	"os"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
)

// Client provides an interface for registering the scheduler daemon with a
// Consul agent so that media API frontends can discover it.
type Client struct {
	*consul.Client

	logger logger.Logger
}

// NewClient returns a new Client with a connection to the consul agent at addr.
func NewClient(addr string) (*Client, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cli := &Client{Client: c}
	config.InitLogger(&cli.logger, "Consul ")

	return cli, nil
}

// getLocalIP returns the address this daemon should advertise. When the
// environment variable MEDIA_SCHEDULER_NETWORK holds a network CIDR, the first
// local address inside that network wins; otherwise the first non-loopback
// IPv4 address is used.
func (c *Client) getLocalIP() (string, error) {
	var ips []net.IP

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	if len(ips) == 0 {
		return "", fmt.Errorf("registry: can not find local ip")
	}

	advertised := ips[0].String()

	if schedulerNet := os.Getenv("MEDIA_SCHEDULER_NETWORK"); schedulerNet != "" {
		_, ipNet, err := net.ParseCIDR(schedulerNet)
		if err != nil {
			c.logger.Error("An invalid network CIDR is set in environment MEDIA_SCHEDULER_NETWORK: %v", schedulerNet)
		} else {
			for _, ip := range ips {
				if ipNet.Contains(ip) {
					advertised = ip.String()
					c.logger.Info("Scheduler traffic is routed to the dedicated network %s", advertised)
					break
				}
			}
		}
	}

	return advertised, nil
}

// Register a service with the registry. An empty ip is resolved to the local
// address the daemon should advertise.
func (c *Client) Register(name string, id string, ip string, port int) error {
	if ip == "" {
		var err error
		ip, err = c.getLocalIP()
		if err != nil {
			return err
		}
	}

	reg := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Port:    port,
		Address: ip,
	}

	c.logger.Info("Trying to register service [ name: %s, id: %s, address: %s:%d ]", name, id, ip, port)

	return c.Agent().ServiceRegister(reg)
}

// Deregister removes the service address from the registry.
func (c *Client) Deregister(id string) error {
	return c.Agent().ServiceDeregister(id)
}
