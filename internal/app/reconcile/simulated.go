package reconcile

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/coachpo/copydesk/internal/domain/orderstore"
)

// DefaultCompletionProbability is the per-sweep chance a simulated pending order completes.
const DefaultCompletionProbability = 0.3

// SimulatedSource completes each pending order with a fixed probability per sweep.
type SimulatedSource struct {
	probability float64

	mu    sync.Mutex
	float func() float64
}

// NewSimulatedSource returns a source completing orders with the given probability.
// Values outside (0, 1] fall back to DefaultCompletionProbability. float may be nil.
func NewSimulatedSource(probability float64, float func() float64) *SimulatedSource {
	if probability <= 0 || probability > 1 {
		probability = DefaultCompletionProbability
	}
	if float == nil {
		float = rand.Float64
	}
	return &SimulatedSource{probability: probability, float: float}
}

func (s *SimulatedSource) Name() string { return "simulated" }

// Observe fills each pending order at its limit price when the draw falls under the probability.
func (s *SimulatedSource) Observe(_ context.Context, _ string, pending []orderstore.Order) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transition
	for _, o := range pending {
		if s.float() >= s.probability {
			continue
		}
		out = append(out, Transition{
			OrderID:        o.OrderID,
			Status:         orderstore.StatusComplete,
			FilledQuantity: o.Quantity,
			AveragePrice:   o.Price,
		})
	}
	return out, nil
}
