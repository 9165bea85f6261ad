package domain

import "fmt"

// Document paths in the shared store. Path segments are slash-separated;
// field paths inside a document are dot-separated.

func RoomPath(room RoomID) string {
	return fmt.Sprintf("rooms/%s", room)
}

func PlayersPrefix(room RoomID) string {
	return fmt.Sprintf("rooms/%s/players/", room)
}

func PlayerPath(room RoomID, id PlayerID) string {
	return PlayersPrefix(room) + string(id)
}

func CoinsPath(room RoomID) string {
	return fmt.Sprintf("rooms/%s/state/coins", room)
}

func MusicPath(room RoomID) string {
	return fmt.Sprintf("rooms/%s/state/music", room)
}
