package model

import "encoding/json"

// Dataset is an advertised asset plus the policies it's offered under.
type Dataset struct {
	AssetID  string   `json:"assetId"`
	Policies []Policy `json:"policies"`
}

// FirstPolicy returns the dataset's first policy; the engine always
// resolves the Offer/conflict by taking the first policy on a dataset.
func (d Dataset) FirstPolicy() (Policy, bool) {
	if len(d.Policies) == 0 {
		return Policy{}, false
	}
	return d.Policies[0], true
}

// Catalog is the parsed response of a catalog query. contractOffers on the
// wire may be a single object or a list; UnmarshalJSON normalizes either
// shape into Datasets.
type Catalog struct {
	ParticipantID string    `json:"participantId,omitempty"`
	Datasets      []Dataset `json:"-"`
}

type catalogWire struct {
	ParticipantID  string          `json:"participantId,omitempty"`
	ContractOffers json.RawMessage `json:"contractOffers,omitempty"`
}

// UnmarshalJSON accepts contractOffers as either a single dataset object or
// a list of them.
func (c *Catalog) UnmarshalJSON(data []byte) error {
	var w catalogWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ParticipantID = w.ParticipantID
	c.Datasets = nil
	if len(w.ContractOffers) == 0 || string(w.ContractOffers) == "null" {
		return nil
	}
	var list []Dataset
	if err := json.Unmarshal(w.ContractOffers, &list); err == nil {
		c.Datasets = list
		return nil
	}
	var single Dataset
	if err := json.Unmarshal(w.ContractOffers, &single); err != nil {
		return err
	}
	c.Datasets = []Dataset{single}
	return nil
}

// FilterExpression is one clause of a querySpec.filterExpression.
type FilterExpression struct {
	LeftOperand  string `json:"leftOperand"`
	Operator     string `json:"operator"`
	RightOperand string `json:"rightOperand"`
}

// QuerySpec wraps the filter expressions for a catalog request.
type QuerySpec struct {
	FilterExpression []FilterExpression `json:"filterExpression"`
}

// CatalogRequest is the body posted to the catalog endpoint.
type CatalogRequest struct {
	Context             map[string]string `json:"@context"`
	CounterPartyAddress string            `json:"counterPartyAddress"`
	QuerySpec           QuerySpec         `json:"querySpec"`
}

// NewEqualityFilterRequest builds a catalog request with a single equality
// filter expression.
func NewEqualityFilterRequest(providerURL, leftOperand, rightOperand string) CatalogRequest {
	return CatalogRequest{
		Context:             OdrlContext(),
		CounterPartyAddress: providerURL,
		QuerySpec: QuerySpec{
			FilterExpression: []FilterExpression{{
				LeftOperand:  leftOperand,
				Operator:     "=",
				RightOperand: rightOperand,
			}},
		},
	}
}
