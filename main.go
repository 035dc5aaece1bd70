package main

import "github.com/ValentinKolb/dRESP/cmd"

func main() {
	cmd.Execute()
}
