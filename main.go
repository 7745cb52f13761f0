package main

import "wechatbot/cmd"

func main() {
	cmd.Execute()
}
