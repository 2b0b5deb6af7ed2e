package main

import "github.com/joshdurbin/strava-mirror/internal/cmd"

func main() {
	cmd.Execute()
}
