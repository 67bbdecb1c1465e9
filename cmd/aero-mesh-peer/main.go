// Command aero-mesh-peer is a headless mesh call participant. It joins a room
// on an aero-mesh-signal server and streams synthetic or file-backed media to
// every other participant.
package main

func main() {
	Execute()
}
