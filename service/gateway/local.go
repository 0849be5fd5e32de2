package gateway

import (
	"context"
	"log"
	"strings"
)

// LocalGateway fakes a hosted checkout for development; no money moves.
type LocalGateway struct {
	baseURL string
}

func NewLocalGateway(baseURL string) *LocalGateway {
	if baseURL == "" {
		baseURL = "http://localhost:8080/checkout"
	}
	return &LocalGateway{baseURL: strings.TrimRight(baseURL, "/")}
}

func (g *LocalGateway) CreateCheckoutSession(_ context.Context, req SessionRequest) (Session, error) {
	log.Printf("[gateway][local] session created reference=%s amount=%s", req.Reference, req.Amount.StringFixed(2))
	return Session{ID: "local_" + req.Reference, RedirectURL: g.baseURL + "/" + req.Reference}, nil
}
