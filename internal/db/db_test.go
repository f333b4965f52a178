package db

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbh, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	return dbh
}

func TestCharacterLifecycle(t *testing.T) {
	dbh := openTestDB(t)

	if err := InsertCharacter(dbh, "proj", "Mira", "a wandering cartographer", 100); err != nil {
		t.Fatalf("InsertCharacter: %v", err)
	}
	if err := InsertCharacter(dbh, "proj", "Mira", "duplicate", 150); err == nil {
		t.Fatal("duplicate name in the same project should fail")
	}
	if err := InsertCharacter(dbh, "other", "Mira", "same name, other project", 100); err != nil {
		t.Fatalf("same name in another project: %v", err)
	}

	found, err := UpdateCharacter(dbh, "proj", "Mira", "retired cartographer", 200)
	if err != nil || !found {
		t.Fatalf("UpdateCharacter = %v, %v", found, err)
	}
	c, err := GetCharacter(dbh, "proj", "Mira")
	if err != nil {
		t.Fatalf("GetCharacter: %v", err)
	}
	if c.Description != "retired cartographer" {
		t.Fatalf("description = %q", c.Description)
	}

	if found, _ := UpdateCharacter(dbh, "proj", "Nobody", "x", 300); found {
		t.Fatal("updating a missing character reported found")
	}

	if found, err := DeleteCharacter(dbh, "proj", "Mira"); err != nil || !found {
		t.Fatalf("DeleteCharacter = %v, %v", found, err)
	}
	if _, err := GetCharacter(dbh, "proj", "Mira"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("after delete, err = %v", err)
	}

	chars, err := ListCharacters(dbh, "other")
	if err != nil || len(chars) != 1 {
		t.Fatalf("ListCharacters(other) = %v, %v", chars, err)
	}
}

func TestOutlineUpsertReplacesChapter(t *testing.T) {
	dbh := openTestDB(t)

	if err := UpsertOutlineSection(dbh, "proj", 2, "The Crossing", "they cross the strait"); err != nil {
		t.Fatalf("UpsertOutlineSection: %v", err)
	}
	if err := UpsertOutlineSection(dbh, "proj", 1, "Departure", "the ship leaves port"); err != nil {
		t.Fatalf("UpsertOutlineSection: %v", err)
	}
	if err := UpsertOutlineSection(dbh, "proj", 2, "The Storm", "the crossing goes wrong"); err != nil {
		t.Fatalf("upsert over existing chapter: %v", err)
	}

	outline, err := GetOutline(dbh, "proj")
	if err != nil {
		t.Fatalf("GetOutline: %v", err)
	}
	if len(outline) != 2 {
		t.Fatalf("outline has %d sections, want 2", len(outline))
	}
	if outline[0].Chapter != 1 || outline[1].Chapter != 2 {
		t.Fatalf("outline out of order: %+v", outline)
	}
	if outline[1].Title != "The Storm" {
		t.Fatalf("chapter 2 title = %q, want upserted value", outline[1].Title)
	}
}

func TestSearchStorySpansCharactersAndOutline(t *testing.T) {
	dbh := openTestDB(t)

	if err := InsertCharacter(dbh, "proj", "Mira", "keeps a storm glass", 1); err != nil {
		t.Fatalf("InsertCharacter: %v", err)
	}
	if err := UpsertOutlineSection(dbh, "proj", 3, "The Storm", "lightning over the strait"); err != nil {
		t.Fatalf("UpsertOutlineSection: %v", err)
	}
	if err := InsertCharacter(dbh, "other", "Storm", "wrong project", 1); err != nil {
		t.Fatalf("InsertCharacter: %v", err)
	}

	hits, err := SearchStory(dbh, "proj", "storm")
	if err != nil {
		t.Fatalf("SearchStory: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %v, want one character and one outline match", hits)
	}

	hits, err = SearchStory(dbh, "proj", "volcano")
	if err != nil || len(hits) != 0 {
		t.Fatalf("no-match search = %v, %v", hits, err)
	}
}

func TestUpdateActionStatusPreservesMessage(t *testing.T) {
	dbh := openTestDB(t)

	if err := CreateConversation(dbh, "conv", "proj", "t", 1); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msgID, err := InsertMessage(dbh, "conv", "assistant", "…", 1)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	a := ActionRow{ID: "a1", MessageID: msgID, ToolName: "add_character", Params: "{}", Status: "pending", Message: "queued"}
	if err := InsertAction(dbh, a, "conv", "proj", 1); err != nil {
		t.Fatalf("InsertAction: %v", err)
	}

	if err := UpdateActionStatus(dbh, "a1", "applied", ""); err != nil {
		t.Fatalf("UpdateActionStatus: %v", err)
	}
	got, err := GetAction(dbh, "a1")
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if got.Status != "applied" || got.Message != "queued" {
		t.Fatalf("row = %+v, want status updated and message preserved", got)
	}

	if err := UpdateActionStatus(dbh, "a1", "failed", "boom"); err != nil {
		t.Fatalf("UpdateActionStatus: %v", err)
	}
	got, _ = GetAction(dbh, "a1")
	if got.Message != "boom" {
		t.Fatalf("message = %q, want overwritten", got.Message)
	}
}
