package main

import "github.com/starpig1129/ai-discord-bot-PigPig-sub000/cmd"

func main() {
	cmd.Execute()
}
