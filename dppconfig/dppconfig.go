// Package dppconfig loads the engine's edc.* configuration keys from the
// environment, in the same buildKey/prefix style as config.EnvConfig, but
// surfacing a CONFIG_MISSING engine error for required keys instead of
// panicking, since a missing key here must fail one request, not crash the
// process.
package dppconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dpp-connector/engine/model"
)

// envReader mirrors config.EnvConfig's prefix + buildKey shape.
type envReader struct {
	prefix string
}

func (e envReader) buildKey(key string) string {
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if e.prefix == "" {
		return envKey
	}
	return strings.ToUpper(e.prefix) + "_" + envKey
}

func (e envReader) get(key, defaultValue string) string {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

func (e envReader) mustGet(key string) (string, error) {
	v := os.Getenv(e.buildKey(key))
	if v == "" {
		return "", model.NewError(model.KindConfigMissing, fmt.Sprintf("required config key %s (%s) not set", key, e.buildKey(key)), nil)
	}
	return v, nil
}

// Config is the resolved set of edc.* management-plane and callback keys.
type Config struct {
	Endpoint         string
	Management       string
	CatalogPath      string
	NegotiationPath  string
	TransferPath     string
	ReceiverEndpoint string
	DelayMillis      int
	APIKey           string
	ParticipantID    string
}

// Load reads every edc.* key from the environment, optionally namespaced
// under prefix (e.g. "DPP" for DPP_EDC_ENDPOINT). endpoint, apiKey and
// participantId are required; every other key has a documented default.
// edc.registryAssetType, which filters catalogs for the digital-twin
// registry's own discovery step, belongs to that external collaborator and
// isn't read here.
func Load(prefix string) (Config, error) {
	e := envReader{prefix: prefix}

	endpoint, err := e.mustGet("edc.endpoint")
	if err != nil {
		return Config{}, err
	}
	apiKey, err := e.mustGet("edc.apiKey")
	if err != nil {
		return Config{}, err
	}
	participantID, err := e.mustGet("edc.participantId")
	if err != nil {
		return Config{}, err
	}

	delay, err := strconv.Atoi(e.get("edc.delay", "200"))
	if err != nil {
		delay = 200
	}

	return Config{
		Endpoint:         endpoint,
		Management:       e.get("edc.management", "/management"),
		CatalogPath:      e.get("edc.catalog", "/v3/catalog/request"),
		NegotiationPath:  e.get("edc.negotiation", "/v3/contractnegotiations"),
		TransferPath:     e.get("edc.transfer", "/v3/transferprocesses"),
		ReceiverEndpoint: e.get("edc.receiverEndpoint", ""),
		DelayMillis:      delay,
		APIKey:           apiKey,
		ParticipantID:    participantID,
	}, nil
}

// PollInterval returns DelayMillis as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

// CallbackURL builds the receiverHttpEndpoint for a plain (non-registry)
// transfer.
func (c Config) CallbackURL(processID string) string {
	return strings.TrimRight(c.ReceiverEndpoint, "/") + "/" + processID
}

// RegistryCallbackURL builds the receiverHttpEndpoint for a registry
// transfer, whose path carries a second segment so the callback handler can
// demultiplex parallel fetches.
func (c Config) RegistryCallbackURL(processID, endpointID string) string {
	return strings.TrimRight(c.ReceiverEndpoint, "/") + "/" + processID + "/" + endpointID
}
