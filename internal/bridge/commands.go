package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/nerrad567/motionlink/internal/audit"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// action is a prepared command. It runs on the dispatcher goroutine and
// returns the service request ID for config commands.
type action func() (uint32, error)

// handleCommand is the MQTT handler for {prefix}/command/#.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.stats.commands.Add(1)
		b.stats.commandsFailed.Add(1)
		return fmt.Errorf("parsing command on %s: %w", topic, err)
	}
	cmd.Source = audit.SourceMQTT
	if cmd.Command == "" {
		if name, ok := b.topics.CommandName(topic); ok {
			cmd.Command = name
		}
	}

	b.Submit(cmd)
	return nil
}

// Submit validates cmd and applies it to the session on the dispatcher
// goroutine. The acknowledgment is published on {prefix}/ack/{id} and
// delivered on the returned channel, which receives exactly one value.
func (b *Bridge) Submit(cmd CommandMessage) <-chan AckMessage {
	result := make(chan AckMessage, 1)

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	b.stats.commands.Add(1)
	b.logger.Info("received command", "command_id", cmd.ID, "command", cmd.Command)

	run, err := b.prepare(cmd)
	if err != nil {
		code := ErrCodeInvalidParameters
		if errors.Is(err, ErrUnknownCommand) {
			code = ErrCodeInvalidCommand
		}
		b.finish(cmd, newAckError(cmd, code, err.Error()), result)
		return result
	}

	posted := b.post(cmd.Command, func() {
		if !b.session.IsConnected() {
			b.finish(cmd, newAckError(cmd, ErrCodeNotConnected, "tracking service not connected"), result)
			return
		}
		requestID, err := run()
		if err != nil {
			b.finish(cmd, newAckError(cmd, ErrCodeServiceError, err.Error()), result)
			return
		}
		ack := newAck(cmd, AckAccepted)
		ack.RequestID = requestID
		b.finish(cmd, ack, result)
	})
	if !posted {
		b.finish(cmd, newAckError(cmd, ErrCodeBusy, "dispatcher queue full"), result)
	}
	return result
}

func (b *Bridge) finish(cmd CommandMessage, ack AckMessage, result chan<- AckMessage) {
	if ack.Status == AckFailed {
		b.stats.commandsFailed.Add(1)
		b.logger.Warn("command failed",
			"command_id", cmd.ID,
			"command", cmd.Command,
			"code", ack.Error.Code,
			"error", ack.Error.Message,
		)
	}
	b.publishJSON(b.topics.Ack(cmd.ID), ack, 1, false)
	b.recordAudit(cmd, ack)
	result <- ack
}

// recordAudit stores the outcome of cmd. Failures are logged, never
// surfaced to the sender.
func (b *Bridge) recordAudit(cmd CommandMessage, ack AckMessage) {
	if b.audit == nil {
		return
	}
	entry := &audit.Entry{
		CommandID:  cmd.ID,
		Command:    cmd.Command,
		Source:     cmd.Source,
		Subject:    cmd.Subject,
		Status:     string(ack.Status),
		Parameters: cmd.Parameters,
		CreatedAt:  ack.Timestamp,
	}
	if entry.Command == "" {
		entry.Command = unknownCommand
	}
	if entry.Source == "" {
		entry.Source = audit.SourceAPI
	}
	if ack.Error != nil {
		entry.ErrorCode = ack.Error.Code
	}

	ctx, cancel := context.WithTimeout(b.ctx, historyTimeout)
	defer cancel()
	if err := b.audit.Record(ctx, entry); err != nil {
		b.logger.Warn("recording command audit failed", "command_id", cmd.ID, "error", err)
	}
}

// prepare parses the parameters of cmd into an action.
func (b *Bridge) prepare(cmd CommandMessage) (action, error) {
	p := cmd.Parameters

	switch cmd.Command {
	case CommandSetPolicy:
		setFlags, err := policyParam(p, "set")
		if err != nil {
			return nil, err
		}
		clearFlags, err := policyParam(p, "clear")
		if err != nil {
			return nil, err
		}
		if setFlags == 0 && clearFlags == 0 {
			return nil, fmt.Errorf("%w: set or clear is required", ErrInvalidParameters)
		}
		return func() (uint32, error) {
			b.session.SetPolicy(setFlags, clearFlags)
			return 0, nil
		}, nil

	case CommandSetPolicyFlag:
		name, err := stringParam(p, "flag")
		if err != nil {
			return nil, err
		}
		flag, err := tracking.ParsePolicyFlag(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		enabled, err := boolParam(p, "enabled")
		if err != nil {
			return nil, err
		}
		return func() (uint32, error) {
			b.session.SetPolicyFlag(flag, enabled)
			return 0, nil
		}, nil

	case CommandSetTrackingMode:
		name, err := stringParam(p, "mode")
		if err != nil {
			return nil, err
		}
		mode, err := tracking.ParseTrackingMode(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		return func() (uint32, error) {
			b.session.SetTrackingMode(mode)
			return 0, nil
		}, nil

	case CommandEnableImages:
		enabled, err := boolParam(p, "enabled")
		if err != nil {
			return nil, err
		}
		return func() (uint32, error) {
			b.session.EnableImageStream(enabled)
			return 0, nil
		}, nil

	case CommandRequestConfig:
		key, err := stringParam(p, "key")
		if err != nil {
			return nil, err
		}
		return func() (uint32, error) {
			id, err := b.session.RequestConfigValue(key)
			if err != nil {
				return 0, err
			}
			b.addPending(id, pendingRequest{commandID: cmd.ID, key: key})
			return id, nil
		}, nil

	case CommandSaveConfig:
		key, err := stringParam(p, "key")
		if err != nil {
			return nil, err
		}
		value, err := configValueParam(p)
		if err != nil {
			return nil, err
		}
		return func() (uint32, error) {
			id, err := b.session.SaveConfigValue(key, value)
			if err != nil {
				return 0, err
			}
			b.addPending(id, pendingRequest{commandID: cmd.ID, key: key})
			return id, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

func stringParam(p map[string]any, key string) (string, error) {
	v, ok := p[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidParameters, key)
	}
	return v, nil
}

func boolParam(p map[string]any, key string) (bool, error) {
	v, ok := p[key].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParameters, key)
	}
	return v, nil
}

// policyParam combines a list of flag names. A missing key is no flags.
func policyParam(p map[string]any, key string) (tracking.PolicyFlag, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return 0, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a list of flag names", ErrInvalidParameters, key)
	}

	var flags tracking.PolicyFlag
	for _, item := range list {
		name, ok := item.(string)
		if !ok {
			return 0, fmt.Errorf("%w: %s must be a list of flag names", ErrInvalidParameters, key)
		}
		f, err := tracking.ParsePolicyFlag(name)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		flags |= f
	}
	return flags, nil
}

// configValueParam reads "value", typed by the optional "type" parameter
// (bool, int, float or string). Without a type, JSON numbers that are
// whole become ints.
func configValueParam(p map[string]any) (tracking.ConfigValue, error) {
	raw, ok := p["value"]
	if !ok || raw == nil {
		return tracking.ConfigValue{}, fmt.Errorf("%w: value is required", ErrInvalidParameters)
	}
	typ, _ := p["type"].(string)

	switch v := raw.(type) {
	case bool:
		if typ != "" && typ != "bool" {
			break
		}
		return tracking.ConfigValue{Type: tracking.ValueBool, Bool: v}, nil
	case string:
		if typ != "" && typ != "string" {
			break
		}
		return tracking.ConfigValue{Type: tracking.ValueString, String: v}, nil
	case float64:
		whole := v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32
		switch {
		case typ == "float" || (typ == "" && !whole):
			return tracking.ConfigValue{Type: tracking.ValueFloat, Float: float32(v)}, nil
		case (typ == "" || typ == "int") && whole:
			return tracking.ConfigValue{Type: tracking.ValueInt, Int: int32(v)}, nil
		}
	}
	return tracking.ConfigValue{}, fmt.Errorf("%w: value %v does not match type %q", ErrInvalidParameters, raw, typ)
}
