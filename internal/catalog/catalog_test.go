package catalog_test

import (
	"testing"

	"github.com/CZERTAINLY/acqman/internal/acquisitions/fake"
	"github.com/CZERTAINLY/acqman/internal/acquisitions/monitor"
	"github.com/CZERTAINLY/acqman/internal/catalog"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := catalog.Registry()
	require.Equal(t, []string{fake.Name, monitor.Name}, r.Names())

	s, err := r.New(monitor.Name)
	require.NoError(t, err)
	require.IsType(t, &monitor.Monitor{}, s)
}
