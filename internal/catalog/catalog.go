// Package catalog lists the acquisitions compiled into acqman.
package catalog

import (
	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/acquisitions/fake"
	"github.com/CZERTAINLY/acqman/internal/acquisitions/monitor"
)

func Registry() *acquisition.Registry {
	r := acquisition.NewRegistry()
	r.Register(fake.Name, fake.New)
	r.Register(monitor.Name, monitor.New)
	return r
}
