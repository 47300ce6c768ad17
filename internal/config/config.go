// Package config loads the gateway's AppConfig JSON document and
// builds the validated routing.Config it describes.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"busgateway/internal/routing"
)

// AppConfig is the on-disk configuration document shape described in
// SPEC_FULL.md §6. Every section has a sensible zero value so a
// minimal file only needs to set GatewayRouting.
type AppConfig struct {
	Logging struct {
		LogLevel string `json:"LogLevel"`
	} `json:"Logging"`
	AllowedHosts   string `json:"AllowedHosts"`
	LoggerSettings struct {
		FilePath string `json:"FilePath"`
		SeqPath  string `json:"SeqPath"`
		SeqKey   string `json:"SeqKey"`
	} `json:"LoggerSettings"`
	RabbitMQ struct {
		Hostname string `json:"Hostname"`
		Username string `json:"Username"`
		Password string `json:"Password"`
		Timeout  int    `json:"Timeout"`
	} `json:"RabbitMQ"`
	AppSettings struct {
		Keycloak struct {
			Authority            string `json:"Authority"`
			Audience             string `json:"Audience"`
			RequireHTTPSMetadata bool   `json:"RequireHttpsMetadata"`
		} `json:"Keycloak"`
		AllowedOrigins []string `json:"AllowedOrigins"`
	} `json:"AppSettings"`
	GatewayRouting struct {
		Microservices []RawMicroservice `json:"Microservices"`
	} `json:"GatewayRouting"`
	Metrics struct {
		Enabled bool `json:"Enabled"`
	} `json:"Metrics"`
	RateLimit struct {
		Enabled   bool   `json:"Enabled"`
		PerMinute int    `json:"PerMinute"`
		RedisAddr string `json:"RedisAddr"`
	} `json:"RateLimit"`
	Tracing struct {
		OTLPEndpoint string `json:"OTLPEndpoint"`
	} `json:"Tracing"`
	TLS struct {
		CertFile string `json:"CertFile"`
		KeyFile  string `json:"KeyFile"`
	} `json:"TLS"`
}

// RawMicroservice is the JSON shape of one GatewayRouting.Microservices
// entry, decoded separately from routing.Microservice so the scope
// strings ("Public"/"Private"/"") can be resolved against
// routing.Scope before the immutable tree is built.
type RawMicroservice struct {
	ID        string        `json:"Id"`
	Queue     string        `json:"Queue"`
	Scope     string        `json:"Scope"`
	Resources []RawResource `json:"Resources"`
}

type RawResource struct {
	Name    string      `json:"Name"`
	Type    string      `json:"Type"`
	Scope   string      `json:"Scope"`
	Actions []RawAction `json:"Actions"`
}

type RawAction struct {
	Name  string `json:"Name"`
	Scope string `json:"Scope"`
}

// Load reads and decodes the AppConfig document at path.
func Load(path string) (*AppConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg AppConfig
	dec := json.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildRoutingConfig translates the JSON GatewayRouting section into a
// validated, immutable routing.Config, or returns the formatted
// validation errors (per §7: config validation aborts startup).
func BuildRoutingConfig(cfg *AppConfig) (*routing.Config, error) {
	microservices := make([]routing.Microservice, 0, len(cfg.GatewayRouting.Microservices))
	for _, raw := range cfg.GatewayRouting.Microservices {
		microservices = append(microservices, toMicroservice(raw))
	}
	if errs := routing.Validate(microservices); len(errs) > 0 {
		return nil, fmt.Errorf("%s", routing.FormatErrors(errs))
	}
	return routing.NewConfig(microservices), nil
}

func toMicroservice(raw RawMicroservice) routing.Microservice {
	resources := make([]routing.Resource, 0, len(raw.Resources))
	for _, r := range raw.Resources {
		actions := make([]routing.Action, 0, len(r.Actions))
		for _, a := range r.Actions {
			actions = append(actions, routing.Action{Name: a.Name, Scope: parseScope(a.Scope)})
		}
		resources = append(resources, routing.Resource{
			Name:    r.Name,
			Type:    r.Type,
			Scope:   parseScope(r.Scope),
			Actions: actions,
		})
	}
	scope := parseScope(raw.Scope)
	if scope == routing.ScopeInherit {
		// A microservice always has a concrete scope; an unset or
		// unrecognized value defaults to Private, matching §3's
		// documented default.
		scope = routing.ScopePrivate
	}
	return routing.Microservice{ID: raw.ID, Queue: raw.Queue, Scope: scope, Resources: resources}
}

func parseScope(s string) routing.Scope {
	switch s {
	case "Public":
		return routing.ScopePublic
	case "Private":
		return routing.ScopePrivate
	default:
		return routing.ScopeInherit
	}
}

// AMQPURL builds the amqp:// connection string busclient.Dial expects
// from the RabbitMQ section.
func (c *AppConfig) AMQPURL() string {
	host := c.RabbitMQ.Hostname
	if host == "" {
		host = "localhost"
	}
	user := c.RabbitMQ.Username
	if user == "" {
		user = "guest"
	}
	pass := c.RabbitMQ.Password
	if pass == "" {
		pass = "guest"
	}
	return "amqp://" + user + ":" + pass + "@" + host + ":5672/"
}
