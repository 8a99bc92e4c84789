/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "sessionbus/cmd"

func main() {
	cmd.Execute()
}
