package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

type PaystackInitializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// PaystackGateway initializes Paystack transactions; the authorization URL is
// the hosted checkout page.
type PaystackGateway struct {
	client      *http.Client
	baseURL     string
	secretKey   string
	callbackURL string
}

func NewPaystackGateway(baseURL, secretKey, callbackURL string, client *http.Client) (*PaystackGateway, error) {
	if secretKey == "" {
		return nil, errors.New("missing PAYSTACK_SECRET_KEY")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &PaystackGateway{
		client:      client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		secretKey:   secretKey,
		callbackURL: callbackURL,
	}, nil
}

func (g *PaystackGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error) {
	paystackReq := map[string]interface{}{
		"email":     req.Email,
		"amount":    req.Amount.Shift(2).IntPart(), // smallest currency unit
		"currency":  req.Currency,
		"reference": req.Reference,
		"metadata":  req.Metadata,
	}
	if g.callbackURL != "" {
		paystackReq["callback_url"] = g.callbackURL
	}

	payloadBytes, err := json.Marshal(paystackReq)
	if err != nil {
		return Session{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/transaction/initialize", bytes.NewReader(payloadBytes))
	if err != nil {
		return Session{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Session{}, fmt.Errorf("paystack initialize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("[gateway][paystack] initialize rejected status=%d reference=%s", resp.StatusCode, req.Reference)
		return Session{}, fmt.Errorf("paystack initialize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var paystackResp PaystackInitializeResponse
	if err := json.NewDecoder(resp.Body).Decode(&paystackResp); err != nil {
		return Session{}, fmt.Errorf("paystack initialize: decode: %w", err)
	}
	if !paystackResp.Status || paystackResp.Data.AuthorizationURL == "" {
		return Session{}, fmt.Errorf("paystack initialize: %s", paystackResp.Message)
	}

	sessionID := paystackResp.Data.Reference
	if sessionID == "" {
		sessionID = paystackResp.Data.AccessCode
	}
	return Session{ID: sessionID, RedirectURL: paystackResp.Data.AuthorizationURL}, nil
}
