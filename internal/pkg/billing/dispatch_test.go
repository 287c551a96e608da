package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandledEventTypesMatchRoutes(t *testing.T) {
	h := newHarness(t)
	routes := h.svc.routes()

	assert.Len(t, HandledEventTypes, len(routes))
	for _, typ := range HandledEventTypes {
		assert.Contains(t, routes, typ)
	}
}
