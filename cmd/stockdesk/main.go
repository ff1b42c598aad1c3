// stockdesk serves the stock research dashboard API: an SSE chat endpoint
// backed by a tool-calling Gemini agent, plus conversation management and
// knowledge-base ingestion.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
