package domain

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// WidgetStyle carries the backend-controlled presentation knobs. Rendering
// is out of this layer's hands; the record is validated and passed through.
type WidgetStyle struct {
	PrimaryColor   string `json:"primary_color,omitempty" validate:"omitempty,hexcolor"`
	SecondaryColor string `json:"secondary_color,omitempty" validate:"omitempty,hexcolor"`
	FontFamily     string `json:"font_family,omitempty"`
	Position       string `json:"position,omitempty" validate:"omitempty,oneof=left right"`
}

// StartButtonConfig configures the optional conversation starter button
type StartButtonConfig struct {
	Label  string `json:"label,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// RemoteConfig is the agent configuration fetched from the backend.
//
// The wire payload is duck-typed on the original backend; here unknown
// fields are dropped and the remainder is validated at the boundary.
type RemoteConfig struct {
	BotName           string             `json:"bot_name" validate:"required"`
	BotIcon           string             `json:"bot_icon,omitempty" validate:"omitempty,url"`
	ClientIcon        string             `json:"client_icon,omitempty" validate:"omitempty,url"`
	ClientChatTitle   string             `json:"client_chat_title,omitempty"`
	ChatHeader        string             `json:"chat_header,omitempty"`
	StartButtonText   string             `json:"start_button_text,omitempty"`
	StartButtonConfig *StartButtonConfig `json:"start_button_config,omitempty"`
	PopularQuestions  []string           `json:"popular_questions,omitempty"`
	WidgetStyle       WidgetStyle        `json:"widget_style,omitempty"`
	Logging           bool               `json:"logging,omitempty"`
}

// configEnvelope is the optional wrapper some backend versions emit
type configEnvelope struct {
	ClientConfig *json.RawMessage `json:"client_config,omitempty"`
}

// ParseRemoteConfig decodes a config payload, unwrapping the nested
// client_config envelope when present, and validates the result.
func ParseRemoteConfig(data []byte) (*RemoteConfig, error) {
	var env configEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.ClientConfig != nil {
		data = *env.ClientConfig
	}

	var cfg RemoteConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode remote config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid remote config: %w", err)
	}
	return &cfg, nil
}
