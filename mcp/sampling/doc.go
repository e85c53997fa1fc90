// Package sampling provides small helpers for building sampling/createMessage
// requests that capability code sends through its gateway.Client.
//
// Example:
//
//	req := sampling.New(
//	    []mcp.SamplingMessage{sampling.UserText("Summarize this repository")},
//	    sampling.WithSystemPrompt("You are a terse summarizer."),
//	    sampling.WithMaxTokens(256),
//	)
//	res, err := client.CreateMessage(ctx, req)
package sampling
