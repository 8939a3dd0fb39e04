// Package model abstracts language-model providers behind a single Client.
//
// A Client receives the ordered session history, the tool schemas on offer and the
// agent instruction, and returns one Turn: text, tool calls, or both. Provider
// failures are classified as ErrUnavailable (transient, safe to retry) or
// ErrProtocol (the response could not be understood; fatal to the turn).
//
// Usage:
//
//	client, err := model.New(model.Config{Provider: "openai", Model: "llama3-70b-8192", APIKey: key, BaseURL: groqURL})
//	if err != nil {
//		return err
//	}
//	turn, err := client.Generate(ctx, model.Request{History: events, Tools: reg.Schemas(), Instruction: instr})
package model
