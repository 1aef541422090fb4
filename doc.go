// Package confluence is the orchestration core of a conversational agent:
// a cancelable, depth-bounded tool-calling loop whose output is merged with
// model re-invocations triggered by external resource changes, so that one
// stream reflects both "the agent is thinking or calling tools" and
// "something changed in the world".
//
// # Quick Start
//
//	model := confluence.WithRetry(openaicompat.NewProvider(apiKey, "gpt-4o-mini", baseURL))
//	agent := confluence.New("assistant", model,
//		confluence.WithSystemPrompt("You are a helpful assistant."),
//		confluence.WithTools(myTools),
//		confluence.WithMaxDepth(8),
//	)
//
//	for resp, err := range agent.Run(ctx, "conversation-1", "What changed in report.csv?") {
//		if err != nil {
//			return err // model failure or *DepthExceededError; never cancellation
//		}
//		fmt.Print(resp.Message.Content)
//	}
//
// # Core Pieces
//
//   - [Agent] runs one [Loop] per conversation and supersedes it when a new
//     prompt arrives ([RunRegistry]).
//   - [Loop] prompts the [ModelClient], yields every response, dispatches
//     tool calls through a [ToolExecutor] and repeats until a terminal
//     response or the maximum depth.
//   - [ResourceFeed] is the re-openable per-conversation queue fed by
//     [Agent.NotifyResourceChanged] and merged into each run's output.
//   - [History] is the append-only conversation log.
//   - The stream subpackage provides the generic operators underneath:
//     Merge/MergeAll, GroupBy, IgnoreCancellation and Catch.
//
// Cancellation is never reported as an error: a cancelled or superseded
// run simply ends.
package confluence
