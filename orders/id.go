package orders

import gonanoid "github.com/matoous/go-nanoid/v2"

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
const idLength = 10

// generateOrderID returns a collision-resistant id like "ORD_4K7Q2M9XWD".
func generateOrderID() string {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		panic("orders: crypto/rand unavailable: " + err.Error())
	}
	return "ORD_" + id
}
