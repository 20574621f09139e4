// Command agentling drives, observes, and replays a coding-assistant CLI
// subprocess through the control plane implemented under internal/.
package main

func main() {
	Execute()
}
