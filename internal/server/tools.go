package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/jddlt/arboris-novel/internal/db"
)

// Definitions is the GM tool catalog offered to the model. Read tools run
// immediately; every mutating tool goes through the confirmation pathway.
var Definitions = []openai.ChatCompletionToolUnionParam{
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "get_characters",
		Description: openai.String("List every character in the project with their descriptions"),
		Parameters: openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]interface{}{},
			"required":   []string{},
		},
	}),
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "get_outline",
		Description: openai.String("Read the chapter outline of the novel"),
		Parameters: openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]interface{}{},
			"required":   []string{},
		},
	}),
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "search_story",
		Description: openai.String("Search characters and outline text for a phrase"),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []string{"query"},
		},
	}),
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "signal_task_status",
		Description: openai.String("Report whether the author's request is completed or blocked, with a short summary"),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"status":  map[string]interface{}{"type": "string", "enum": []string{"completed", "blocked"}},
				"summary": map[string]interface{}{"type": "string"},
			},
			"required": []string{"status", "summary"},
		},
	}),
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "add_character",
		Description: openai.String("Add a new character to the project (requires user confirmation)"),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"name":        map[string]interface{}{"type": "string"},
				"description": map[string]interface{}{"type": "string"},
			},
			"required": []string{"name", "description"},
		},
	}),
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "update_character",
		Description: openai.String("Replace a character's description (requires user confirmation)"),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"name":        map[string]interface{}{"type": "string"},
				"description": map[string]interface{}{"type": "string"},
			},
			"required": []string{"name", "description"},
		},
	}),
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "delete_character",
		Description: openai.String("Remove a character from the project permanently (requires user confirmation)"),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
			"required": []string{"name"},
		},
	}),
	openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "update_outline",
		Description: openai.String("Create or rewrite one chapter of the outline (requires user confirmation)"),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"chapter": map[string]interface{}{"type": "integer"},
				"title":   map[string]interface{}{"type": "string"},
				"summary": map[string]interface{}{"type": "string"},
			},
			"required": []string{"chapter", "summary"},
		},
	}),
}

// IsMutating reports whether a tool changes project state. Unknown names
// count as mutating so nothing unrecognized runs without confirmation.
func IsMutating(name string) bool {
	switch name {
	case "get_characters", "get_outline", "search_story", "signal_task_status":
		return false
	default:
		return true
	}
}

func IsDangerous(name string) bool {
	return name == "delete_character"
}

// ExecuteReadTool runs a read-only tool against the store.
func ExecuteReadTool(dbh *sql.DB, projectID, name, argsJSON string) (string, error) {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", err
	}

	switch name {
	case "get_characters":
		chars, err := db.ListCharacters(dbh, projectID)
		if err != nil {
			return "", err
		}
		if len(chars) == 0 {
			return "(no characters yet)", nil
		}
		var sb strings.Builder
		for _, c := range chars {
			fmt.Fprintf(&sb, "%s: %s\n", c.Name, c.Description)
		}
		return strings.TrimRight(sb.String(), "\n"), nil

	case "get_outline":
		sections, err := db.GetOutline(dbh, projectID)
		if err != nil {
			return "", err
		}
		if len(sections) == 0 {
			return "(outline is empty)", nil
		}
		var sb strings.Builder
		for _, s := range sections {
			fmt.Fprintf(&sb, "Chapter %d %s: %s\n", s.Chapter, s.Title, s.Summary)
		}
		return strings.TrimRight(sb.String(), "\n"), nil

	case "search_story":
		query, _ := args["query"].(string)
		hits, err := db.SearchStory(dbh, projectID, query)
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			return "none", nil
		}
		return strings.Join(hits, "\n"), nil

	case "signal_task_status":
		status, _ := args["status"].(string)
		summary, _ := args["summary"].(string)
		if summary == "" {
			return fmt.Sprintf("status %s noted", status), nil
		}
		return fmt.Sprintf("status %s noted: %s", status, summary), nil

	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ApplyAction executes a confirmed mutating tool. The returned string is the
// user-facing result message.
func ApplyAction(dbh *sql.DB, projectID, name, paramsJSON string, nowUnix int64) (string, error) {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &args); err != nil {
		return "", err
	}

	switch name {
	case "add_character":
		charName, _ := args["name"].(string)
		description, _ := args["description"].(string)
		if err := db.InsertCharacter(dbh, projectID, charName, description, nowUnix); err != nil {
			return "", err
		}
		return fmt.Sprintf("added character %q", charName), nil

	case "update_character":
		charName, _ := args["name"].(string)
		description, _ := args["description"].(string)
		found, err := db.UpdateCharacter(dbh, projectID, charName, description, nowUnix)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("no character named %q", charName)
		}
		return fmt.Sprintf("updated character %q", charName), nil

	case "delete_character":
		charName, _ := args["name"].(string)
		found, err := db.DeleteCharacter(dbh, projectID, charName)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("no character named %q", charName)
		}
		return fmt.Sprintf("deleted character %q", charName), nil

	case "update_outline":
		chapter, _ := args["chapter"].(float64)
		title, _ := args["title"].(string)
		summary, _ := args["summary"].(string)
		if err := db.UpsertOutlineSection(dbh, projectID, int(chapter), title, summary); err != nil {
			return "", err
		}
		return fmt.Sprintf("outline chapter %d updated", int(chapter)), nil

	default:
		return "", fmt.Errorf("unknown action: %s", name)
	}
}

// ActionPreview renders the one-line description shown in the confirmation
// dialog.
func ActionPreview(name, paramsJSON string) string {
	var args map[string]interface{}
	json.Unmarshal([]byte(paramsJSON), &args)

	switch name {
	case "add_character":
		charName, _ := args["name"].(string)
		return fmt.Sprintf("Add character %q", charName)
	case "update_character":
		charName, _ := args["name"].(string)
		return fmt.Sprintf("Update character %q", charName)
	case "delete_character":
		charName, _ := args["name"].(string)
		return fmt.Sprintf("Delete character %q", charName)
	case "update_outline":
		chapter, _ := args["chapter"].(float64)
		title, _ := args["title"].(string)
		if title != "" {
			return fmt.Sprintf("Rewrite outline chapter %d: %s", int(chapter), title)
		}
		return fmt.Sprintf("Rewrite outline chapter %d", int(chapter))
	default:
		return name
	}
}
