package doctor

import (
	"context"
	"time"
)

// Service checks one remote dependency.
type Service struct {
	Name string
	// Ping is nil when the service is not configured.
	Ping func(ctx context.Context) error
}

// ServicesCheck pings the tracker, model endpoint and evidence backends.
type ServicesCheck struct {
	services []Service
	timeout  time.Duration
}

// NewServicesCheck creates a new services check. Each service gets timeout.
func NewServicesCheck(services []Service, timeout time.Duration) *ServicesCheck {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ServicesCheck{services: services, timeout: timeout}
}

func (c *ServicesCheck) Name() string {
	return "Services"
}

func (c *ServicesCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	if len(c.services) == 0 {
		result.Items = append(result.Items, CheckItem{
			Label:  "No services",
			Status: StatusPass,
			Detail: "no services configured",
		})
		return result
	}

	for _, p := range c.services {
		if p.Ping == nil {
			result.Items = append(result.Items, CheckItem{
				Label:  p.Name,
				Status: StatusWarn,
				Detail: "not configured",
			})
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			result.Items = append(result.Items, CheckItem{
				Label:  p.Name,
				Status: StatusFail,
				Detail: err.Error(),
			})
			continue
		}
		result.Items = append(result.Items, CheckItem{
			Label:  p.Name,
			Status: StatusPass,
		})
	}

	return result
}
