package natsclient

import (
	"github.com/nats-io/nats.go/micro"

	"github.com/c360/cloudkit/errors"
)

// AddService registers a NATS micro service on the client's connection. The service is
// stopped when the connection drains on Close.
func (m *Client) AddService(cfg micro.Config) (micro.Service, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	conn := m.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}

	svc, err := micro.AddService(conn, cfg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "AddService", "register service "+cfg.Name)
	}

	m.logger.Info("Registered micro service", "service", cfg.Name, "version", cfg.Version)
	return svc, nil
}
