// Package sim provides an in-process [hal.Controller] for tests and demos.
//
// Devices are described by handlers: one [ControlHandler] per device address
// for the default control pipe and one [EndpointHandler] per endpoint.
// Every submission is logged with its data toggle so callers can check
// framing, and faults can be injected ahead of the handlers:
//
//	c := sim.New()
//	c.HandleEndpoint(1, 0x81, func(data []byte) (int, error) {
//	    return copy(data, "hello"), nil
//	})
//	c.FailEndpoint(0x81, 2, pkg.ErrTimeout)
//
// Interrupt transfers are polled on goroutines owned by an errgroup; Close
// stops them all.
package sim
