// Package dspaceclient is the stateless HTTP wrapper over a counterparty's
// dataspace-protocol management plane: catalog, negotiation and transfer.
// The underlying transport is resty, the same REST client the rest of the
// retrieved corpus (dwertent-paladin, alongside eve's own indirect
// dependency on it) reaches for over a bare net/http client whenever a
// typed, retry-capable JSON API client is needed.
package dspaceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/dpp-connector/engine/model"
)

// Config configures the management-plane base paths and credential.
type Config struct {
	Endpoint        string // edc.endpoint
	Management      string // edc.management, e.g. "/management"
	CatalogPath     string // edc.catalog, e.g. "/v3/catalog/request"
	NegotiationPath string // edc.negotiation, e.g. "/v3/contractnegotiations"
	TransferPath    string // edc.transfer, e.g. "/v3/transferprocesses"
	APIKey          string // edc.apiKey
	ParticipantID   string // edc.participantId
	Timeout         time.Duration
}

// Client is the stateless wrapper over a counterparty's catalog,
// negotiation and transfer HTTP surface.
type Client struct {
	http *resty.Client
	cfg  Config
	log  *logrus.Entry
}

// New builds a Client against cfg, sharing the given logger.
func New(cfg Config, log *logrus.Entry) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := resty.New().
		SetBaseURL(cfg.Endpoint+cfg.Management).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", cfg.APIKey)
	return &Client{http: h, cfg: cfg, log: log}
}

// post issues a JSON POST and returns the raw response body. Decoding is
// left to the caller so an empty body and a malformed body stay
// distinguishable: spec'd behavior differs for the two (nil catalog vs
// PROTOCOL_ERROR), and resty's automatic unmarshalling folds both into one
// transport error.
func (c *Client) post(ctx context.Context, path string, body interface{}, op string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return nil, model.NewError(model.KindPeerUnreachable, op+" request failed", err)
	}
	if resp.IsError() {
		return nil, model.NewError(model.KindPeerUnreachable, fmt.Sprintf("%s: status %d", op, resp.StatusCode()), nil)
	}
	return resp.Body(), nil
}

// ParticipantID issues an empty catalog query and returns the
// counterparty's participant identifier.
func (c *Client) ParticipantID(ctx context.Context) (string, error) {
	req := model.CatalogRequest{Context: model.OdrlContext()}
	body, err := c.post(ctx, c.cfg.CatalogPath, req, "participantId")
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", model.NewError(model.KindPeerUnreachable, "participantId: empty response", nil)
	}
	var cat model.Catalog
	if err := json.Unmarshal(body, &cat); err != nil {
		return "", model.NewError(model.KindProtocolError, "participantId: unparseable response", err)
	}
	if cat.ParticipantID == "" {
		return "", model.NewError(model.KindProtocolError, "participantId: missing participantId field", nil)
	}
	return cat.ParticipantID, nil
}

// CatalogByFilter POSTs a query with a single equality filter expression
// and returns the parsed Catalog, or nil if the provider returned an empty
// body.
func (c *Client) CatalogByFilter(ctx context.Context, providerURL, key, value string) (*model.Catalog, error) {
	req := model.NewEqualityFilterRequest(providerURL, key, value)
	body, err := c.post(ctx, c.cfg.CatalogPath, req, "catalogByFilter")
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var cat model.Catalog
	if err := json.Unmarshal(body, &cat); err != nil {
		return nil, model.NewError(model.KindProtocolError, "catalogByFilter: unparseable response", err)
	}
	return &cat, nil
}

// assetIDFilter is the IRI the engine filters catalogs by when looking up
// a single asset's offer.
const assetIDFilter = "https://w3id.org/edc/v0.0.1/ns/id"

// FindOfferByAssetID looks up the dataset offered for assetID, or nil if
// none matches. A catalog holding exactly one dataset returns that dataset
// as is, without comparing its asset id.
func (c *Client) FindOfferByAssetID(ctx context.Context, providerURL, assetID string) (*model.Dataset, error) {
	cat, err := c.CatalogByFilter(ctx, providerURL, assetIDFilter, assetID)
	if err != nil {
		return nil, err
	}
	if cat == nil {
		return nil, nil
	}
	if len(cat.Datasets) == 1 {
		return &cat.Datasets[0], nil
	}
	for i := range cat.Datasets {
		if cat.Datasets[i].AssetID == assetID {
			return &cat.Datasets[i], nil
		}
	}
	return nil, nil
}

// StartNegotiation POSTs req to the negotiation endpoint and returns the
// remote-assigned id.
func (c *Client) StartNegotiation(ctx context.Context, req model.NegotiationRequest) (model.IdResponse, error) {
	var out model.IdResponse
	body, err := c.post(ctx, c.cfg.NegotiationPath, req, "startNegotiation")
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, model.NewError(model.KindProtocolError, "startNegotiation: unparseable response", err)
	}
	return out, nil
}

// StartTransfer POSTs req to the transfer endpoint and returns the
// remote-assigned id.
func (c *Client) StartTransfer(ctx context.Context, req model.TransferRequest) (model.IdResponse, error) {
	var out model.IdResponse
	body, err := c.post(ctx, c.cfg.TransferPath, req, "startTransfer")
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, model.NewError(model.KindProtocolError, "startTransfer: unparseable response", err)
	}
	return out, nil
}

func statusPath(base, id string) string {
	return strings.TrimRight(base, "/") + "/" + id
}

// get issues a GET against path and returns the raw body, mapping
// transport failures and non-2xx statuses the same way post does.
func (c *Client) get(ctx context.Context, path, op string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, model.NewError(model.KindPeerUnreachable, op+" request failed", err)
	}
	if resp.IsError() {
		return nil, model.NewError(model.KindPeerUnreachable, fmt.Sprintf("%s: status %d", op, resp.StatusCode()), nil)
	}
	return resp.Body(), nil
}

// PollNegotiation blocks until the negotiation reaches a terminal state or
// abortCheck reports true.
func (c *Client) PollNegotiation(ctx context.Context, id string, interval time.Duration, abortCheck func() bool) (Outcome[model.Negotiation], error) {
	return pollLoop(ctx, interval, abortCheck, c.log, func(ctx context.Context) (model.Negotiation, error) {
		var n model.Negotiation
		body, err := c.get(ctx, statusPath(c.cfg.NegotiationPath, id), "pollNegotiation")
		if err != nil {
			return n, err
		}
		if err := json.Unmarshal(body, &n); err != nil {
			return n, model.NewError(model.KindProtocolError, "pollNegotiation: unparseable response", err)
		}
		if n.State == "" {
			return n, model.NewError(model.KindProtocolError, "pollNegotiation: missing edc:state", nil)
		}
		return n, nil
	}, func(n model.Negotiation) string { return string(n.State) },
		func(n model.Negotiation) bool { return n.State.IsTerminal() })
}

// PollTransfer blocks until the transfer reaches a terminal state or
// abortCheck reports true, sharing the same poll-loop shape as
// PollNegotiation.
func (c *Client) PollTransfer(ctx context.Context, id string, interval time.Duration, abortCheck func() bool) (Outcome[model.Transfer], error) {
	return pollLoop(ctx, interval, abortCheck, c.log, func(ctx context.Context) (model.Transfer, error) {
		var t model.Transfer
		body, err := c.get(ctx, statusPath(c.cfg.TransferPath, id), "pollTransfer")
		if err != nil {
			return t, err
		}
		if err := json.Unmarshal(body, &t); err != nil {
			return t, model.NewError(model.KindProtocolError, "pollTransfer: unparseable response", err)
		}
		if t.State == "" {
			return t, model.NewError(model.KindProtocolError, "pollTransfer: missing edc:state", nil)
		}
		return t, nil
	}, func(t model.Transfer) string { return string(t.State) },
		func(t model.Transfer) bool { return t.State.IsTerminal() })
}
