// internal/writer/builder.go
package writer

import (
	wmodbus "github.com/tamzrod/oht-master/internal/writer/modbus"
)

// Build prepares the status memory client and returns a writer and its
// closer. Nothing is dialed here: an unreachable endpoint fails the first
// WriteBlock, and every later block retries the connection.
func Build(plan Plan) (*StatusWriter, func() error, error) {
	c, err := wmodbus.New(wmodbus.Config{
		Endpoint: plan.Endpoint,
		Timeout:  plan.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}

	sw, err := NewStatusWriter(plan, c)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return sw, c.Close, nil
}
