package cloud

import (
	"encoding/json"
	"fmt"
)

// Wire discriminators for the update and action envelopes. The same
// encoding is used for queue persistence and the backend protocol.
const (
	updateTypeOverwrite = "overwrite"
	updateTypeDelete    = "delete"

	actionTypePushObject          = "push-object"
	actionTypeExecuteInstructions = "execute-client-instructions"
)

type updateEnvelope struct {
	Type string `json:"type"`
	UpdateInfo
	Object map[string]any      `json:"object,omitempty"`
	Where  map[string]any      `json:"where,omitempty"`
	Media  map[string]MediaRef `json:"media,omitempty"`
}

type actionEnvelope struct {
	Type         string              `json:"type"`
	Updates      []json.RawMessage   `json:"updates,omitempty"`
	Instructions []ClientInstruction `json:"instructions,omitempty"`
}

// EncodeUpdate serializes one update into its wire envelope.
func EncodeUpdate(update Update) ([]byte, error) {
	var env updateEnvelope
	switch u := update.(type) {
	case OverwriteUpdate:
		env = updateEnvelope{
			Type:       updateTypeOverwrite,
			UpdateInfo: u.UpdateInfo,
			Object:     u.Object,
			Where:      u.Where,
			Media:      u.Media,
		}
	case DeleteUpdate:
		env = updateEnvelope{
			Type:       updateTypeDelete,
			UpdateInfo: u.UpdateInfo,
			Where:      u.Where,
		}
	default:
		return nil, fmt.Errorf("unknown update variant %T", update)
	}
	return json.Marshal(env)
}

// DecodeUpdate parses one update from its wire envelope.
func DecodeUpdate(data []byte) (Update, error) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode update: %w", err)
	}

	switch env.Type {
	case updateTypeOverwrite:
		return OverwriteUpdate{
			UpdateInfo: env.UpdateInfo,
			Object:     env.Object,
			Where:      env.Where,
			Media:      env.Media,
		}, nil
	case updateTypeDelete:
		return DeleteUpdate{
			UpdateInfo: env.UpdateInfo,
			Where:      env.Where,
		}, nil
	default:
		return nil, fmt.Errorf("unknown update type %q", env.Type)
	}
}

// EncodeUpdates serializes a batch of updates.
func EncodeUpdates(updates []Update) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(updates))
	for _, update := range updates {
		data, err := EncodeUpdate(update)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

// DecodeUpdates parses a batch of updates.
func DecodeUpdates(data []byte) ([]Update, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode update batch: %w", err)
	}

	updates := make([]Update, 0, len(raw))
	for _, item := range raw {
		update, err := DecodeUpdate(item)
		if err != nil {
			return nil, err
		}
		updates = append(updates, update)
	}
	return updates, nil
}

// EncodeAction serializes an action for queue persistence.
func EncodeAction(action Action) ([]byte, error) {
	switch a := action.(type) {
	case PushObjectAction:
		raw := make([]json.RawMessage, 0, len(a.Updates))
		for _, update := range a.Updates {
			data, err := EncodeUpdate(update)
			if err != nil {
				return nil, err
			}
			raw = append(raw, data)
		}
		return json.Marshal(actionEnvelope{Type: actionTypePushObject, Updates: raw})
	case ExecuteInstructionsAction:
		return json.Marshal(actionEnvelope{
			Type:         actionTypeExecuteInstructions,
			Instructions: a.Instructions,
		})
	default:
		return nil, fmt.Errorf("unknown action variant %T", action)
	}
}

// DecodeAction parses a persisted action.
func DecodeAction(data []byte) (Action, error) {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}

	switch env.Type {
	case actionTypePushObject:
		updates := make([]Update, 0, len(env.Updates))
		for _, item := range env.Updates {
			update, err := DecodeUpdate(item)
			if err != nil {
				return nil, err
			}
			updates = append(updates, update)
		}
		return PushObjectAction{Updates: updates}, nil
	case actionTypeExecuteInstructions:
		return ExecuteInstructionsAction{Instructions: env.Instructions}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", env.Type)
	}
}
