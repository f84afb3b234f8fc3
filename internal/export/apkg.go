package export

import (
	"archive/zip"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/000haoji/cardforge/pkg/models"
)

// Anki collection schema version written into the col table
const ankiSchemaVersion = 11

const collectionSchema = `
CREATE TABLE col (
	id integer PRIMARY KEY,
	crt integer NOT NULL,
	mod integer NOT NULL,
	scm integer NOT NULL,
	ver integer NOT NULL,
	dty integer NOT NULL,
	usn integer NOT NULL,
	ls integer NOT NULL,
	conf text NOT NULL,
	models text NOT NULL,
	decks text NOT NULL,
	dconf text NOT NULL,
	tags text NOT NULL
);
CREATE TABLE notes (
	id integer PRIMARY KEY,
	guid text NOT NULL,
	mid integer NOT NULL,
	mod integer NOT NULL,
	usn integer NOT NULL,
	tags text NOT NULL,
	flds text NOT NULL,
	sfld text NOT NULL,
	csum integer NOT NULL,
	flags integer NOT NULL,
	data text NOT NULL
);
CREATE TABLE cards (
	id integer PRIMARY KEY,
	nid integer NOT NULL,
	did integer NOT NULL,
	ord integer NOT NULL,
	mod integer NOT NULL,
	usn integer NOT NULL,
	type integer NOT NULL,
	queue integer NOT NULL,
	due integer NOT NULL,
	ivl integer NOT NULL,
	factor integer NOT NULL,
	reps integer NOT NULL,
	lapses integer NOT NULL,
	left integer NOT NULL,
	odue integer NOT NULL,
	odid integer NOT NULL,
	flags integer NOT NULL,
	data text NOT NULL
);
CREATE TABLE revlog (
	id integer PRIMARY KEY,
	cid integer NOT NULL,
	usn integer NOT NULL,
	ease integer NOT NULL,
	ivl integer NOT NULL,
	lastIvl integer NOT NULL,
	factor integer NOT NULL,
	time integer NOT NULL,
	type integer NOT NULL
);
CREATE TABLE graves (
	usn integer NOT NULL,
	oid integer NOT NULL,
	type integer NOT NULL
);
CREATE INDEX ix_notes_csum ON notes (csum);
CREATE INDEX ix_cards_nid ON cards (nid);
CREATE INDEX ix_cards_sched ON cards (did, queue, due);
`

func (m *Manager) exportAPKG(cards []models.Card, deckName, noteType string) (models.ExportOutput, error) {
	path, err := m.outputPath(deckName, "apkg")
	if err != nil {
		return models.ExportOutput{OK: false, Error: err.Error()}, nil
	}

	workDir, err := os.MkdirTemp("", "cardforge-apkg-*")
	if err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("failed to create temp dir: %v", err)}, nil
	}
	defer os.RemoveAll(workDir)

	dbPath := filepath.Join(workDir, "collection.anki2")
	if err := writeCollection(dbPath, cards, deckName, noteType); err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("failed to build collection: %v", err)}, nil
	}

	if err := writePackage(path, dbPath); err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("failed to write package: %v", err)}, nil
	}

	m.logger.Info("Exported cards to APKG", "path", path, "cards", len(cards), "deck", deckName)
	return models.ExportOutput{OK: true, FilePath: path}, nil
}

// writeCollection builds the collection.anki2 SQLite database
func writeCollection(dbPath string, cards []models.Card, deckName, noteType string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(collectionSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	now := time.Now()
	nowSec := now.Unix()
	nowMillis := now.UnixMilli()
	deckID := nowMillis
	modelID := nowMillis + 1

	cloze := isClozeNoteType(noteType, cards)
	reversed := strings.Contains(strings.ToLower(noteType), "reversed")

	modelsJSON, err := buildModelJSON(modelID, deckID, noteType, cloze, reversed)
	if err != nil {
		return err
	}
	decksJSON, err := buildDeckJSON(deckID, deckName, nowSec)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags)
		 VALUES (1, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, ?)`,
		nowSec, nowMillis, nowMillis, ankiSchemaVersion,
		defaultConfJSON(deckID), modelsJSON, decksJSON, defaultDconfJSON(), "{}",
	)
	if err != nil {
		return fmt.Errorf("failed to insert collection row: %w", err)
	}

	noteStmt, err := tx.Prepare(
		`INSERT INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data)
		 VALUES (?, ?, ?, ?, -1, ?, ?, ?, ?, 0, '')`)
	if err != nil {
		return fmt.Errorf("failed to prepare note insert: %w", err)
	}
	defer noteStmt.Close()

	cardStmt, err := tx.Prepare(
		`INSERT INTO cards (id, nid, did, ord, mod, usn, type, queue, due, ivl, factor, reps, lapses, left, odue, odid, flags, data)
		 VALUES (?, ?, ?, ?, ?, -1, 0, 0, ?, 0, 2500, 0, 0, 0, 0, 0, 0, '')`)
	if err != nil {
		return fmt.Errorf("failed to prepare card insert: %w", err)
	}
	defer cardStmt.Close()

	cardID := nowMillis
	for i, card := range cards {
		noteID := nowMillis + int64(i)*10
		fields, sortField := noteFields(card, cloze)
		tags := " " + strings.Join(card.Tags, " ") + " "
		if len(card.Tags) == 0 {
			tags = ""
		}

		if _, err := noteStmt.Exec(noteID, noteGUID(card), modelID, nowSec, tags, fields, sortField, fieldChecksum(sortField)); err != nil {
			return fmt.Errorf("failed to insert note: %w", err)
		}

		ordinals := 1
		if reversed && !cloze {
			ordinals = 2
		}
		for ord := 0; ord < ordinals; ord++ {
			cardID++
			if _, err := cardStmt.Exec(cardID, noteID, deckID, ord, nowSec, i+1); err != nil {
				return fmt.Errorf("failed to insert card: %w", err)
			}
		}
	}

	return tx.Commit()
}

// noteFields joins the note's fields with the Anki field separator
func noteFields(card models.Card, cloze bool) (fields, sortField string) {
	if cloze {
		text := card.Text
		if text == "" {
			text = card.Front
		}
		return text, text
	}
	return card.Front + "\x1f" + card.Back, card.Front
}

// noteGUID derives a stable guid from the card content so re-imports
// update instead of duplicate.
func noteGUID(card models.Card) string {
	sum := sha1.Sum([]byte(card.Front + "\x1f" + card.Back + "\x1f" + card.Text))
	return hex.EncodeToString(sum[:])[:10]
}

// fieldChecksum is the integer value of the first 8 hex digits of the
// SHA-1 of the sort field, as Anki computes it.
func fieldChecksum(field string) int64 {
	sum := sha1.Sum([]byte(field))
	n, err := strconv.ParseInt(hex.EncodeToString(sum[:])[:8], 16, 64)
	if err != nil {
		return 0
	}
	return n
}

func isClozeNoteType(noteType string, cards []models.Card) bool {
	if strings.EqualFold(noteType, "Cloze") {
		return true
	}
	for _, card := range cards {
		if card.Text != "" {
			return true
		}
	}
	return false
}

func buildModelJSON(modelID, deckID int64, noteType string, cloze, reversed bool) (string, error) {
	type field struct {
		Name  string `json:"name"`
		Ord   int    `json:"ord"`
		Font  string `json:"font"`
		Size  int    `json:"size"`
		RTL   bool   `json:"rtl"`
		Stick bool   `json:"sticky"`
	}
	type template struct {
		Name  string `json:"name"`
		Ord   int    `json:"ord"`
		Qfmt  string `json:"qfmt"`
		Afmt  string `json:"afmt"`
		BQfmt string `json:"bqfmt"`
		BAfmt string `json:"bafmt"`
		DID   *int64 `json:"did"`
	}

	model := map[string]any{
		"id":        modelID,
		"name":      noteType,
		"type":      0,
		"mod":       modelID / 1000,
		"usn":       -1,
		"sortf":     0,
		"did":       deckID,
		"latexPre":  "",
		"latexPost": "",
		"css":       ".card { font-family: arial; font-size: 20px; text-align: center; }",
		"req":       []any{[]any{0, "any", []int{0}}},
		"tags":      []string{},
		"vers":      []string{},
	}

	if cloze {
		model["type"] = 1
		model["flds"] = []field{{Name: "Text", Ord: 0, Font: "Arial", Size: 20}}
		model["tmpls"] = []template{{
			Name: "Cloze",
			Qfmt: "{{cloze:Text}}",
			Afmt: "{{cloze:Text}}",
		}}
	} else {
		model["flds"] = []field{
			{Name: "Front", Ord: 0, Font: "Arial", Size: 20},
			{Name: "Back", Ord: 1, Font: "Arial", Size: 20},
		}
		templates := []template{{
			Name: "Card 1",
			Qfmt: "{{Front}}",
			Afmt: "{{FrontSide}}<hr id=answer>{{Back}}",
		}}
		if reversed {
			templates = append(templates, template{
				Name: "Card 2",
				Ord:  1,
				Qfmt: "{{Back}}",
				Afmt: "{{FrontSide}}<hr id=answer>{{Front}}",
			})
		}
		model["tmpls"] = templates
	}

	data, err := json.Marshal(map[string]any{strconv.FormatInt(modelID, 10): model})
	if err != nil {
		return "", fmt.Errorf("failed to marshal model: %w", err)
	}
	return string(data), nil
}

func buildDeckJSON(deckID int64, deckName string, nowSec int64) (string, error) {
	deck := map[string]any{
		"id":               deckID,
		"name":             deckName,
		"mod":              nowSec,
		"usn":              -1,
		"desc":             "",
		"dyn":              0,
		"conf":             1,
		"collapsed":        false,
		"extendNew":        10,
		"extendRev":        50,
		"newToday":         []int{0, 0},
		"revToday":         []int{0, 0},
		"lrnToday":         []int{0, 0},
		"timeToday":        []int{0, 0},
		"browserCollapsed": false,
	}
	data, err := json.Marshal(map[string]any{strconv.FormatInt(deckID, 10): deck})
	if err != nil {
		return "", fmt.Errorf("failed to marshal deck: %w", err)
	}
	return string(data), nil
}

func defaultConfJSON(deckID int64) string {
	return fmt.Sprintf(`{"nextPos": 1, "estTimes": true, "activeDecks": [%d], "sortType": "noteFld", "timeLim": 0, "sortBackwards": false, "addToCur": true, "curDeck": %d, "newBury": true, "newSpread": 0, "dueCounts": true, "curModel": null, "collapseTime": 1200}`, deckID, deckID)
}

func defaultDconfJSON() string {
	return `{"1": {"id": 1, "name": "Default", "replayq": true, "lapse": {"leechFails": 8, "minInt": 1, "delays": [10], "leechAction": 0, "mult": 0}, "rev": {"perDay": 200, "ivlFct": 1, "maxIvl": 36500, "ease4": 1.3, "bury": true, "minSpace": 1}, "timer": 0, "maxTaken": 60, "usn": -1, "new": {"perDay": 20, "delays": [1, 10], "separate": true, "ints": [1, 4, 7], "initialFactor": 2500, "bury": true, "order": 1}, "mod": 0, "autoplay": true}}`
}

// writePackage zips the collection database and an empty media map
// into the final .apkg file.
func writePackage(path, dbPath string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create package file: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	dbData, err := os.ReadFile(dbPath)
	if err != nil {
		return fmt.Errorf("failed to read collection: %w", err)
	}
	entry, err := zw.Create("collection.anki2")
	if err != nil {
		return fmt.Errorf("failed to add collection entry: %w", err)
	}
	if _, err := entry.Write(dbData); err != nil {
		return fmt.Errorf("failed to write collection entry: %w", err)
	}

	media, err := zw.Create("media")
	if err != nil {
		return fmt.Errorf("failed to add media entry: %w", err)
	}
	if _, err := media.Write([]byte("{}")); err != nil {
		return fmt.Errorf("failed to write media entry: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize package: %w", err)
	}
	return out.Close()
}
