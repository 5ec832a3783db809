package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// BuiltinConfig carries the external endpoints the builtin tools call.
type BuiltinConfig struct {
	// WeatherBaseURL is the forecast API root. Defaults to open-meteo.
	WeatherBaseURL string
	// WorkflowURL is the diagnostic workflow backend invoked by
	// follow_script. When empty the tool is not registered.
	WorkflowURL string
	HTTPClient  *http.Client
	Now         func() time.Time
}

const defaultWeatherBaseURL = "https://api.open-meteo.com"

// RegisterBuiltins installs the stock tool table.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.WeatherBaseURL == "" {
		cfg.WeatherBaseURL = defaultWeatherBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := r.Register(Tool{
		Name:        "get_current_time",
		Description: "The current time in HH:MM format.",
		InputSchema: objectSchema(nil, nil),
		Handler: func(context.Context, Invocation) (any, error) {
			return map[string]any{"current_time": cfg.Now().Format("15:04")}, nil
		},
	}); err != nil {
		return err
	}

	if err := r.Register(Tool{
		Name:        "get_weather",
		Description: "Get the current weather for a given location, based on its WGS84 coordinates.",
		InputSchema: objectSchema(map[string]any{
			"latitude":  property("string", "Geographical WGS84 latitude of the location."),
			"longitude": property("string", "Geographical WGS84 longitude of the location."),
		}, []string{"latitude", "longitude"}),
		Handler: weatherHandler(cfg),
	}); err != nil {
		return err
	}

	if cfg.WorkflowURL != "" {
		if err := r.Register(Tool{
			Name:        "follow_script",
			Description: "Runs a diagnostic workflow process to troubleshoot and resolve connection problems.",
			InputSchema: objectSchema(map[string]any{
				"session_id": property("string", "The session ID for the conversation."),
				"case_id":    property("string", "The case ID of the resolution process."),
				"name":       property("string", "The name of the process to run."),
				"arguments":  property("object", "Arguments for the process to run."),
			}, []string{"session_id", "case_id", "name", "arguments"}),
			Handler: workflowHandler(cfg),
		}); err != nil {
			return err
		}
	}
	return nil
}

func weatherHandler(cfg BuiltinConfig) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		var args struct {
			Latitude  string `json:"latitude"`
			Longitude string `json:"longitude"`
		}
		if err := DecodeArgs(inv, &args); err != nil {
			return nil, err
		}
		if args.Latitude == "" || args.Longitude == "" {
			return nil, fmt.Errorf("get_weather: latitude and longitude are required")
		}

		q := url.Values{}
		q.Set("latitude", args.Latitude)
		q.Set("longitude", args.Longitude)
		q.Set("current_weather", "true")
		endpoint := fmt.Sprintf("%s/v1/forecast?%s", cfg.WeatherBaseURL, q.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get_weather: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("get_weather: forecast API returned %d: %s", resp.StatusCode, body)
		}

		var weather map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&weather); err != nil {
			return nil, fmt.Errorf("get_weather: decode response: %w", err)
		}
		return map[string]any{"weather_data": weather}, nil
	}
}

func workflowHandler(cfg BuiltinConfig) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		var args struct {
			SessionID string         `json:"session_id"`
			CaseID    string         `json:"case_id"`
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := DecodeArgs(inv, &args); err != nil {
			return nil, err
		}

		payload, err := json.Marshal(map[string]any{
			"session_id": args.SessionID,
			"case_id":    args.CaseID,
			"run_process": map[string]any{
				"name":      args.Name,
				"arguments": args.Arguments,
			},
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WorkflowURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("follow_script: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("follow_script: workflow backend returned %d: %s", resp.StatusCode, body)
		}

		var result map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("follow_script: decode response: %w", err)
		}
		if msg, ok := result["error"].(string); ok && msg != "" {
			return map[string]any{"content": "Error: " + msg}, nil
		}
		return result, nil
	}
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func property(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
