// Package pretix verifies the signed ticket links Pretix hands attendees
// and looks the ticket up through the Pretix REST API.
package pretix

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/conference-registration/internal/model"
)

var (
	// ErrInvalidSignature means the link was not signed by our Pretix key.
	ErrInvalidSignature = errors.New("invalid ticket signature")
	// ErrMalformed means the link or the order it names could not be
	// understood.
	ErrMalformed = errors.New("malformed ticket information")
	// ErrTicketNotValid means the order is unpaid or the position canceled.
	ErrTicketNotValid = errors.New("ticket is not valid")
	// ErrProviderUnavailable means the Pretix API could not be reached or
	// did not answer with the order.
	ErrProviderUnavailable = errors.New("failed to retrieve ticket information")
)

// DefaultBaseURL is the hosted Pretix API.
const DefaultBaseURL = "https://pretix.eu/api/v1"

// Config describes how to verify links and reach the order API.
type Config struct {
	PublicKeyPEM string
	APIToken     string
	BaseURL      string
	Organizer    string
	Event        string
	HTTPClient   *http.Client
}

// Verifier checks ticket links.  It is safe for concurrent use.
type Verifier struct {
	key       *rsa.PublicKey
	apiToken  string
	baseURL   string
	organizer string
	event     string
	client    *http.Client
}

// NewVerifier parses the Pretix public key and returns a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse pretix public key: %w", err)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		key:       key,
		apiToken:  cfg.APIToken,
		baseURL:   base,
		organizer: cfg.Organizer,
		event:     cfg.Event,
		client:    client,
	}, nil
}

// Verify checks the signed link token, fetches the order it names and
// returns the verified ticket.
func (v *Verifier) Verify(ctx context.Context, raw string) (model.TicketAssertion, error) {
	pos, err := v.parseLink(raw)
	if err != nil {
		return model.TicketAssertion{}, err
	}

	o, err := v.fetchOrder(ctx, pos.OrderCode)
	if err != nil {
		return model.TicketAssertion{}, err
	}

	var mine *orderPosition
	for i := range o.Positions {
		if o.Positions[i].PositionID == pos.Position {
			mine = &o.Positions[i]
			break
		}
	}
	if mine == nil {
		return model.TicketAssertion{}, fmt.Errorf("%w: order %s has no position %d", ErrMalformed, pos.OrderCode, pos.Position)
	}
	if o.Status != orderStatusPaid || mine.Canceled {
		return model.TicketAssertion{}, ErrTicketNotValid
	}

	ticket := model.TicketAssertion{
		TicketPosition: pos,
		Answers:        make(map[string]string, len(mine.Answers)),
	}
	for _, p := range o.Positions {
		if !p.Canceled {
			ticket.ItemIDs = append(ticket.ItemIDs, p.Item)
		}
	}
	for _, a := range mine.Answers {
		ticket.Answers[a.QuestionIdentifier] = a.Answer
	}
	return ticket, nil
}

// parseLink verifies the RS256 signature and pulls the order code and
// position out of the claims.  Pretix sends the position as either a
// number or a numeric string.
func (v *Verifier) parseLink(raw string) (model.TicketPosition, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return model.TicketPosition{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return model.TicketPosition{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	code, _ := claims["order"].(string)
	if code == "" {
		return model.TicketPosition{}, fmt.Errorf("%w: missing order claim", ErrMalformed)
	}
	var position int
	switch p := claims["position"].(type) {
	case float64:
		position = int(p)
	case string:
		n, err := strconv.Atoi(p)
		if err != nil {
			return model.TicketPosition{}, fmt.Errorf("%w: position %q", ErrMalformed, p)
		}
		position = n
	default:
		return model.TicketPosition{}, fmt.Errorf("%w: missing position claim", ErrMalformed)
	}
	return model.TicketPosition{OrderCode: code, Position: position}, nil
}

const orderStatusPaid = "p"

type order struct {
	Code      string          `json:"code"`
	Status    string          `json:"status"`
	Positions []orderPosition `json:"positions"`
}

type orderPosition struct {
	PositionID int           `json:"positionid"`
	Item       int64         `json:"item"`
	Canceled   bool          `json:"canceled"`
	Answers    []orderAnswer `json:"answers"`
}

type orderAnswer struct {
	QuestionIdentifier string `json:"question_identifier"`
	Answer             string `json:"answer"`
}

func (v *Verifier) fetchOrder(ctx context.Context, code string) (*order, error) {
	u := fmt.Sprintf("%s/organizers/%s/events/%s/orders/%s/?include_canceled_positions=true",
		v.baseURL, url.PathEscape(v.organizer), url.PathEscape(v.event), url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Authorization", "Token "+v.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: order lookup returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var o order
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", ErrProviderUnavailable, err)
	}
	return &o, nil
}
