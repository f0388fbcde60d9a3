package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"typeauth/internal/keyid"
)

func main() {
	url := flag.String("url", envOr("KEYID_URL", ""), "KeyID service base URL")
	license := flag.String("license", envOr("KEYID_LICENSE", ""), "KeyID license key")
	entity := flag.String("entity", "", "Entity ID (profile identifier)")
	sample := flag.String("sample", "", "Typing sample payload (tsData), or @path to read from a file")
	sessionID := flag.String("session", "", "Session ID passed through to the service")
	action := flag.String("action", "evaluate", "Action: save|remove|evaluate|login|info|mistake")
	mistype := flag.String("mistype", "", "Mistyped text for the mistake action")
	passiveValidation := flag.Bool("passive-validation", false, "Force every evaluation to report a match")
	passiveEnrollment := flag.Bool("passive-enrollment", false, "Enroll samples while the profile is still maturing (login action)")
	customThreshold := flag.Bool("custom-threshold", false, "Replace the service verdict with local thresholds")
	thresholdConfidence := flag.Float64("threshold-confidence", 70, "Confidence threshold for -custom-threshold")
	thresholdFidelity := flag.Float64("threshold-fidelity", 50, "Fidelity threshold for -custom-threshold")
	timeout := flag.Duration("timeout", 60*time.Second, "HTTP timeout")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write the raw result JSON to this file")
	strict := flag.Bool("strict", false, "Exit non-zero when the sample does not match")
	flag.Parse()

	if strings.TrimSpace(*url) == "" {
		exitWith("KEYID_URL or -url is required")
	}
	if strings.TrimSpace(*license) == "" {
		exitWith("KEYID_LICENSE or -license is required")
	}
	if strings.TrimSpace(*entity) == "" {
		exitWith("-entity is required")
	}

	sampleData, err := resolveSample(*sample)
	if err != nil {
		exitWith("failed to read sample: " + err.Error())
	}

	settings := keyid.DefaultSettings()
	settings.URL = *url
	settings.License = *license
	settings.PassiveValidation = *passiveValidation
	settings.PassiveEnrollment = *passiveEnrollment
	settings.CustomThreshold = *customThreshold
	settings.ThresholdConfidence = *thresholdConfidence
	settings.ThresholdFidelity = *thresholdFidelity
	settings.Timeout = *timeout
	settings.StrictSSL = !*insecure
	client := keyid.NewClient(settings)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*4)
	defer cancel()

	var output any
	matched := true
	switch strings.ToLower(strings.TrimSpace(*action)) {
	case "save":
		requireSample(sampleData)
		payload, err := client.SaveProfile(ctx, *entity, sampleData, *sessionID)
		if err != nil {
			exitWith("save failed: " + err.Error())
		}
		output = payload
	case "remove":
		payload, err := client.RemoveProfile(ctx, *entity, sampleData, *sessionID)
		if err != nil {
			exitWith("remove failed: " + err.Error())
		}
		output = payload
	case "evaluate":
		requireSample(sampleData)
		result, err := client.EvaluateProfile(ctx, *entity, sampleData, *sessionID)
		if err != nil {
			exitWith("evaluate failed: " + err.Error())
		}
		output = result
		matched = result.Matched
	case "login":
		requireSample(sampleData)
		result, err := client.LoginPassiveEnrollment(ctx, *entity, sampleData, *sessionID)
		if err != nil {
			exitWith("login failed: " + err.Error())
		}
		output = result
		matched = result.Matched
	case "info":
		payload, err := client.GetProfileInfo(ctx, *entity)
		if err != nil {
			exitWith("info failed: " + err.Error())
		}
		output = payload
	case "mistake":
		if strings.TrimSpace(*mistype) == "" {
			exitWith("-mistype is required for the mistake action")
		}
		payload, err := client.LogTypingMistake(ctx, *entity, *mistype, *sessionID, "cli", "", "", "")
		if err != nil {
			exitWith("mistake failed: " + err.Error())
		}
		output = payload
	default:
		exitWith("unknown action: " + *action)
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(output)
	default:
		printText(*action, *entity, output)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeJSON(*outputPath, output); err != nil {
			exitWith("failed to write output: " + err.Error())
		}
	}
	if *strict && !matched {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// resolveSample reads the sample from a file when the value starts with @.
func resolveSample(value string) (string, error) {
	if !strings.HasPrefix(value, "@") {
		return value, nil
	}
	data, err := os.ReadFile(filepath.Clean(strings.TrimPrefix(value, "@")))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func requireSample(sample string) {
	if strings.TrimSpace(sample) == "" {
		exitWith("-sample is required for this action")
	}
}

func printText(action, entity string, output any) {
	fmt.Printf("Action: %s\n", action)
	fmt.Printf("Entity: %s\n", entity)
	switch v := output.(type) {
	case keyid.EvaluationResult:
		fmt.Printf("Matched: %t\n", v.Matched)
		fmt.Printf("IsReady: %t\n", v.IsReady)
		fmt.Printf("Confidence: %.1f\n", v.Confidence)
		fmt.Printf("Fidelity: %.1f\n", v.Fidelity)
		if v.Error != keyid.ErrNone {
			fmt.Printf("Error: %s (%s)\n", v.Error, v.ErrorMessage)
		}
	case keyid.Payload:
		if msg := v.String("Error"); msg != "" {
			fmt.Printf("Error: %s\n", msg)
		} else {
			data, _ := json.Marshal(v)
			fmt.Printf("Result: %s\n", data)
		}
	}
}

func printJSON(output any) {
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		exitWith("failed to encode result JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
