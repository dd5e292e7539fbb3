package dispatch

import "math/rand/v2"

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// genID returns prefix followed by 24 random alphanumerics, the chat/
// completion id format of spec §4.5. Design Notes explicitly calls out not
// replicating the original's srand(time(nullptr)) seeding — only the
// observable format matters, so this leans on math/rand/v2's auto-seeded
// generator.
func genID(prefix string) string {
	b := make([]byte, len(prefix)+24)
	copy(b, prefix)
	for i := len(prefix); i < len(b); i++ {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return string(b)
}
