package transcript_test

import (
	"testing"

	"github.com/MrWong99/taleweaver/internal/entity"
)

func testDictionary(t *testing.T) *entity.Dictionary {
	t.Helper()
	d, err := entity.New([]entity.Character{
		{Name: "Graak", Aliases: []string{"J", "Jay", "Jason"}, Pronouns: "he/him"},
		{Name: "Bahl", Aliases: []string{"Nicky", "Nick"}},
	}, []string{"Al'kesh"})
	if err != nil {
		t.Fatalf("entity.New: %v", err)
	}
	return d
}
