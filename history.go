package convcache

// TruncateHistory trims a chronological message history to fit a prompt.
// The message limit is applied first, then the token limit; the oldest
// messages are dropped and the most recent ones preserved.
// A limit <= 0 disables that bound.
func TruncateHistory(history []Message, tokenLimit, messageLimit int) []Message {
	if len(history) == 0 {
		return history
	}

	history = Tail(history, messageLimit)
	if tokenLimit <= 0 {
		return history
	}

	tokens := make([]int, len(history))
	total := 0
	for i, msg := range history {
		tokens[i] = EstimateTokens(msg.Content)
		total += tokens[i]
	}

	start := 0
	for total > tokenLimit && start < len(history) {
		total -= tokens[start]
		start++
	}

	return history[start:]
}
