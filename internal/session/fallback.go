package session

import "fmt"

// cannedByTopic holds last-resort interviewer lines, used when a turn carried
// real audio energy but neither live text nor transcription produced any.
var cannedByTopic = map[string]string{
	"databases":     "Interesting. How would you index that table if reads started to slow down?",
	"networking":    "Let's dig deeper. What happens between typing a URL and seeing the page?",
	"concurrency":   "Good. How would you protect that shared state under heavy contention?",
	"system design": "Walk me through how that design behaves when traffic grows tenfold.",
}

func cannedLine(topic string) string {
	if line, ok := cannedByTopic[topic]; ok {
		return line
	}
	return fmt.Sprintf("Let's keep going. Tell me more about your experience with %s.", topic)
}
