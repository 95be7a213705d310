package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/triflow/triflow/internal/secrets"
	"github.com/triflow/triflow/pkg/schema"
)

// LineController abstracts the plant-floor integration that the built-in
// actions drive. Production deployments wire a PLC or MES gateway here;
// tests and dry runs use LogLineController.
type LineController interface {
	StopLine(ctx context.Context, lineID, reason string) error
	AdjustThreshold(ctx context.Context, sensorID string, threshold float64) error
	TriggerMaintenance(ctx context.Context, equipmentID, priority, description string) (ticketID string, err error)
}

// MeasurementSink receives readings emitted by record_measurement nodes.
type MeasurementSink interface {
	Record(ctx context.Context, m Measurement) error
}

// Measurement is a single recorded reading.
type Measurement struct {
	Metric     string            `json:"metric"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// LogLineController logs every command instead of touching hardware.
type LogLineController struct {
	Logger *slog.Logger
}

func (c *LogLineController) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *LogLineController) StopLine(ctx context.Context, lineID, reason string) error {
	c.logger().WarnContext(ctx, "production line stop requested", "line_id", lineID, "reason", reason)
	return nil
}

func (c *LogLineController) AdjustThreshold(ctx context.Context, sensorID string, threshold float64) error {
	c.logger().InfoContext(ctx, "sensor threshold adjusted", "sensor_id", sensorID, "threshold", threshold)
	return nil
}

func (c *LogLineController) TriggerMaintenance(ctx context.Context, equipmentID, priority, description string) (string, error) {
	ticket := "maint-" + equipmentID + "-" + time.Now().UTC().Format("20060102150405")
	c.logger().InfoContext(ctx, "maintenance ticket opened",
		"equipment_id", equipmentID, "priority", priority, "ticket_id", ticket, "description", description)
	return ticket, nil
}

// LogMeasurementSink logs readings. Used when no telemetry store is wired.
type LogMeasurementSink struct {
	Logger *slog.Logger
}

func (s *LogMeasurementSink) Record(ctx context.Context, m Measurement) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "measurement recorded",
		"metric", m.Metric, "value", m.Value, "unit", m.Unit)
	return nil
}

// BuiltinDeps carries the integrations the built-in actions need.
type BuiltinDeps struct {
	Logger     *slog.Logger
	Controller LineController
	Sink       MeasurementSink
	Notifier   Notifier
	HTTPAction *HTTPAction
	Vault      secrets.Vault
}

// RegisterBuiltins registers the standard action set on the registry,
// filling in logging fallbacks for any dependency left nil.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Controller == nil {
		deps.Controller = &LogLineController{Logger: deps.Logger}
	}
	if deps.Sink == nil {
		deps.Sink = &LogMeasurementSink{Logger: deps.Logger}
	}
	if deps.Notifier == nil {
		deps.Notifier = &LogNotifier{Logger: deps.Logger}
	}
	if deps.HTTPAction == nil {
		deps.HTTPAction = NewHTTPAction(nil)
	}
	if deps.Vault != nil {
		deps.HTTPAction.UseVault(deps.Vault)
	}

	all := []Action{
		logEventAction(deps.Logger),
		stopLineAction(deps.Controller),
		adjustThresholdAction(deps.Controller),
		triggerMaintenanceAction(deps.Controller),
		recordMeasurementAction(deps.Sink),
		deps.HTTPAction.Definition(),
		TransformAction(nil),
	}
	all = append(all, notificationActions(deps.Notifier)...)

	for _, action := range all {
		if err := reg.Register(action); err != nil {
			return err
		}
	}
	return nil
}

func logEventAction(logger *slog.Logger) Action {
	return Action{
		Name: "log_event",
		Schema: ActionSchema{
			Description: "Emit a structured log entry from the workflow",
			Parameters: map[string]string{
				"message": "log message (required)",
				"level":   "debug | info | warn | error (default info)",
				"fields":  "map of extra attributes",
			},
		},
		Validate: func(params map[string]any) error {
			if stringParam(params, "message", "") == "" {
				return schema.NewError(schema.ErrCodeValidation, "log_event requires a message parameter")
			}
			return nil
		},
		Execute: func(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
			msg := stringParam(input.Params, "message", "")
			attrs := []any{"instance_id", input.InstanceID, "node_id", input.NodeID}
			if fields, ok := input.Params["fields"].(map[string]any); ok {
				for k, v := range fields {
					attrs = append(attrs, k, v)
				}
			}
			switch stringParam(input.Params, "level", "info") {
			case "debug":
				logger.DebugContext(ctx, msg, attrs...)
			case "warn":
				logger.WarnContext(ctx, msg, attrs...)
			case "error":
				logger.ErrorContext(ctx, msg, attrs...)
			default:
				logger.InfoContext(ctx, msg, attrs...)
			}
			return marshalOutput(map[string]any{"logged": true})
		},
	}
}

func stopLineAction(controller LineController) Action {
	return Action{
		Name: "stop_production_line",
		Schema: ActionSchema{
			Description: "Halt a production line",
			Parameters: map[string]string{
				"line_id": "identifier of the line to halt (required)",
				"reason":  "operator-facing reason for the stop",
			},
		},
		Validate: func(params map[string]any) error {
			if stringParam(params, "line_id", "") == "" {
				return schema.NewError(schema.ErrCodeValidation, "stop_production_line requires a line_id parameter")
			}
			return nil
		},
		Execute: func(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
			lineID := stringParam(input.Params, "line_id", "")
			reason := stringParam(input.Params, "reason", "workflow-initiated stop")
			if err := controller.StopLine(ctx, lineID, reason); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
					"stop_production_line: line %s: %v", lineID, err).WithCause(err)
			}
			return marshalOutput(map[string]any{
				"line_id":    lineID,
				"reason":     reason,
				"stopped_at": time.Now().UTC().Format(time.RFC3339),
			})
		},
	}
}

func adjustThresholdAction(controller LineController) Action {
	return Action{
		Name: "adjust_sensor_threshold",
		Schema: ActionSchema{
			Description: "Update the alarm threshold of a sensor",
			Parameters: map[string]string{
				"sensor_id": "sensor identifier (required)",
				"threshold": "new threshold value (required, numeric)",
			},
		},
		Validate: func(params map[string]any) error {
			if stringParam(params, "sensor_id", "") == "" {
				return schema.NewError(schema.ErrCodeValidation, "adjust_sensor_threshold requires a sensor_id parameter")
			}
			if _, ok := floatParam(params, "threshold", 0); !ok {
				return schema.NewError(schema.ErrCodeValidation, "adjust_sensor_threshold requires a numeric threshold parameter")
			}
			return nil
		},
		Execute: func(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
			sensorID := stringParam(input.Params, "sensor_id", "")
			threshold, _ := floatParam(input.Params, "threshold", 0)
			if err := controller.AdjustThreshold(ctx, sensorID, threshold); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
					"adjust_sensor_threshold: sensor %s: %v", sensorID, err).WithCause(err)
			}
			return marshalOutput(map[string]any{"sensor_id": sensorID, "threshold": threshold})
		},
	}
}

func triggerMaintenanceAction(controller LineController) Action {
	return Action{
		Name: "trigger_maintenance",
		Schema: ActionSchema{
			Description: "Open a maintenance ticket for a piece of equipment",
			Parameters: map[string]string{
				"equipment_id": "equipment identifier (required)",
				"priority":     "low | normal | high | urgent (default normal)",
				"description":  "free-form defect description",
			},
		},
		Validate: func(params map[string]any) error {
			if stringParam(params, "equipment_id", "") == "" {
				return schema.NewError(schema.ErrCodeValidation, "trigger_maintenance requires an equipment_id parameter")
			}
			switch p := stringParam(params, "priority", "normal"); p {
			case "low", "normal", "high", "urgent":
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "trigger_maintenance priority %q is not supported", p)
			}
			return nil
		},
		Execute: func(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
			equipmentID := stringParam(input.Params, "equipment_id", "")
			priority := stringParam(input.Params, "priority", "normal")
			description := stringParam(input.Params, "description", "")
			ticket, err := controller.TriggerMaintenance(ctx, equipmentID, priority, description)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
					"trigger_maintenance: equipment %s: %v", equipmentID, err).WithCause(err)
			}
			return marshalOutput(map[string]any{
				"ticket_id":    ticket,
				"equipment_id": equipmentID,
				"priority":     priority,
			})
		},
	}
}

func recordMeasurementAction(sink MeasurementSink) Action {
	return Action{
		Name: "record_measurement",
		Schema: ActionSchema{
			Description: "Persist a process measurement",
			Parameters: map[string]string{
				"metric": "metric name (required)",
				"value":  "numeric reading (required)",
				"unit":   "unit of measure",
				"tags":   "map of string tags",
			},
		},
		Validate: func(params map[string]any) error {
			if stringParam(params, "metric", "") == "" {
				return schema.NewError(schema.ErrCodeValidation, "record_measurement requires a metric parameter")
			}
			if _, ok := floatParam(params, "value", 0); !ok {
				return schema.NewError(schema.ErrCodeValidation, "record_measurement requires a numeric value parameter")
			}
			return nil
		},
		Execute: func(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
			value, _ := floatParam(input.Params, "value", 0)
			m := Measurement{
				Metric:     stringParam(input.Params, "metric", ""),
				Value:      value,
				Unit:       stringParam(input.Params, "unit", ""),
				RecordedAt: time.Now().UTC(),
			}
			if tags, ok := input.Params["tags"].(map[string]any); ok {
				m.Tags = make(map[string]string, len(tags))
				for k, v := range tags {
					if s, ok := v.(string); ok {
						m.Tags[k] = s
					}
				}
			}
			if err := sink.Record(ctx, m); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
					"record_measurement: metric %s: %v", m.Metric, err).WithCause(err)
			}
			return marshalOutput(map[string]any{
				"metric":      m.Metric,
				"value":       m.Value,
				"recorded_at": m.RecordedAt.Format(time.RFC3339),
			})
		},
	}
}
