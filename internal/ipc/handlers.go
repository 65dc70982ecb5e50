package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/sujay-d07/sentineld/internal/alerts"
	"github.com/sujay-d07/sentineld/internal/alertstore"
)

// ConfigSource is the subset of config.Manager the IPC handlers need.
// Defined here (rather than importing internal/config's Manager type
// directly) so handler tests can supply a fake without touching disk.
type ConfigSource interface {
	GetSerializable() interface{}
	Reload() error
}

// AlertSource is the subset of alerts.Manager the IPC handlers need.
type AlertSource interface {
	Query(f alertstore.Filter) ([]alertstore.Alert, error)
	Get(id string) (*alertstore.Alert, error)
	Acknowledge(id string) (*alertstore.Alert, error)
	Dismiss(id string) (*alertstore.Alert, error)
	AcknowledgeAll() (int, error)
	Counters() alerts.Counters
}

// HealthProvider supplies the health handler's result, decoupling this
// package from the monitor package's snapshot type.
type HealthProvider interface {
	Health() (map[string]interface{}, error)
}

// ShutdownFunc is invoked by the shutdown handler to begin graceful
// daemon termination. It must return promptly: the handler responds
// before the daemon actually exits (spec §4.7 "before daemon exits").
type ShutdownFunc func()

// RegisterCoreHandlers installs the spec §4.7 "required handlers
// (minimum viable core)" onto s.
func RegisterCoreHandlers(s *Server, cfgSrc ConfigSource, alertSrc AlertSource, health HealthProvider, shutdown ShutdownFunc, name, version string) {
	s.RegisterHandler("ping", func(json.RawMessage) (interface{}, *ErrorObj) {
		return map[string]bool{"pong": true}, nil
	})

	s.RegisterHandler("version", func(json.RawMessage) (interface{}, *ErrorObj) {
		return map[string]string{"name": name, "version": version}, nil
	})

	s.RegisterHandler("config.get", func(json.RawMessage) (interface{}, *ErrorObj) {
		return cfgSrc.GetSerializable(), nil
	})

	s.RegisterHandler("config.reload", func(json.RawMessage) (interface{}, *ErrorObj) {
		if err := cfgSrc.Reload(); err != nil {
			return nil, NewError(CodeConfigError, err.Error())
		}
		return map[string]bool{"reloaded": true}, nil
	})

	s.RegisterHandler("shutdown", func(json.RawMessage) (interface{}, *ErrorObj) {
		if shutdown != nil {
			go shutdown()
		}
		return map[string]string{"shutdown": "initiated"}, nil
	})

	s.RegisterHandler("health", func(json.RawMessage) (interface{}, *ErrorObj) {
		if health == nil {
			return nil, NewError(CodeInternalError, "monitor not available")
		}
		snapshot, err := health.Health()
		if err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}
		return snapshot, nil
	})

	alertsHandler := func(raw json.RawMessage) (interface{}, *ErrorObj) {
		var params struct {
			Severity         string `json:"severity"`
			Category         string `json:"category"`
			Status           string `json:"status"`
			Source           string `json:"source"`
			IncludeDismissed bool   `json:"include_dismissed"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
			}
		}

		results, err := alertSrc.Query(alertstore.Filter{
			Severity:         alertstore.Severity(params.Severity),
			Category:         alertstore.Category(params.Category),
			Status:           alertstore.Status(params.Status),
			Source:           params.Source,
			IncludeDismissed: params.IncludeDismissed,
		})
		if err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}

		return map[string]interface{}{
			"alerts": results,
			"count":  len(results),
			"counts": alertSrc.Counters().Snapshot(),
		}, nil
	}
	s.RegisterHandler("alerts", alertsHandler)
	s.RegisterHandler("alerts.get", alertsHandler)

	s.RegisterHandler("alerts.acknowledge", func(raw json.RawMessage) (interface{}, *ErrorObj) {
		var params struct {
			UUID string `json:"uuid"`
			All  bool   `json:"all"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
			}
		}

		if params.All {
			n, err := alertSrc.AcknowledgeAll()
			if err != nil {
				return nil, NewError(CodeInternalError, err.Error())
			}
			return map[string]interface{}{"acknowledged": n}, nil
		}

		if params.UUID == "" {
			return nil, NewError(CodeInvalidParams, "either uuid or all must be specified")
		}
		if _, err := alertSrc.Acknowledge(params.UUID); err != nil {
			return nil, NewError(CodeAlertNotFound, fmt.Sprintf("alert %s not found", params.UUID))
		}
		return map[string]interface{}{"acknowledged": true, "uuid": params.UUID}, nil
	})

	s.RegisterHandler("alerts.dismiss", func(raw json.RawMessage) (interface{}, *ErrorObj) {
		var params struct {
			UUID string `json:"uuid"`
		}
		if len(raw) == 0 {
			return nil, NewError(CodeInvalidParams, "uuid is required")
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
		}
		if params.UUID == "" {
			return nil, NewError(CodeInvalidParams, "uuid is required")
		}
		if _, err := alertSrc.Dismiss(params.UUID); err != nil {
			return nil, NewError(CodeAlertNotFound, fmt.Sprintf("alert %s not found", params.UUID))
		}
		return map[string]interface{}{"dismissed": true, "uuid": params.UUID}, nil
	})
}
