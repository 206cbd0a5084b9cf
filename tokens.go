package convcache

// EstimateTokens approximates the token count of text.
// ASCII runes weigh a quarter token each; any other rune (CJK, Cyrillic,
// emoji) counts as a full token.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// EstimateMessageTokens sums EstimateTokens over the content of msgs.
func EstimateMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}
