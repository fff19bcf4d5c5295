package db

import (
	"context"
	"fmt"
)

// Seed populates an empty database with demo users, a sprint board
// with an agent workflow (Backlog -> Architect -> Code -> Review ->
// Done, Review failing back to Code), and a handful of cards. A
// database with any users is left alone.
func (d *DB) Seed(ctx context.Context) error {
	return d.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		alice, err := tx.CreateUser("alice")
		if err != nil {
			return err
		}
		bob, err := tx.CreateUser("bob")
		if err != nil {
			return err
		}
		charlie, err := tx.CreateUser("charlie")
		if err != nil {
			return err
		}

		board, err := tx.CreateBoard("Sprint Board", "Main development sprint board", alice.ID)
		if err != nil {
			return err
		}
		for _, u := range []*User{bob, charlie} {
			if _, err := tx.Exec(
				`INSERT INTO board_members (board_id, user_id) VALUES (?, ?)`,
				board.ID, u.ID); err != nil {
				return err
			}
		}

		type colSpec struct {
			name      string
			color     string
			agentType string
			autoRun   bool
		}
		specs := []colSpec{
			{"Backlog", "#64748b", "", false},
			{"Architect", "#6366f1", "architect", true},
			{"Code", "#f59e0b", "coder", true},
			{"Review", "#8b5cf6", "reviewer", true},
			{"Done", "#22c55e", "", false},
		}
		cols := make(map[string]*Column, len(specs))
		for _, s := range specs {
			c, err := tx.CreateColumn(Column{
				BoardID:   board.ID,
				Name:      s.name,
				Color:     s.color,
				AgentType: s.agentType,
				AutoRun:   s.autoRun,
			})
			if err != nil {
				return fmt.Errorf("seed column %s: %w", s.name, err)
			}
			cols[s.name] = c
		}
		// Wire the happy path, and loop review failures back to Code.
		routes := []struct{ col, onSuccess, onFailure string }{
			{"Architect", cols["Code"].ID, ""},
			{"Code", cols["Review"].ID, ""},
			{"Review", cols["Done"].ID, cols["Code"].ID},
		}
		for _, r := range routes {
			if err := tx.UpdateColumnRouting(cols[r.col].ID, r.onSuccess, r.onFailure); err != nil {
				return err
			}
		}

		cards := []Card{
			{
				ColumnID:    cols["Backlog"].ID,
				Title:       "Set up CI/CD pipeline",
				Description: "Configure GitHub Actions for automated testing and deployment",
				Priority:    "medium",
				Labels:      `["devops"]`,
				CreatedBy:   alice.ID,
			},
			{
				ColumnID:    cols["Backlog"].ID,
				Title:       "Add dark mode support",
				Description: "Implement theme switching with system preference detection",
				Priority:    "low",
				Labels:      `["frontend", "ux"]`,
				CreatedBy:   bob.ID,
			},
			{
				ColumnID:    cols["Backlog"].ID,
				Title:       "Design REST API endpoints",
				Description: "Define OpenAPI spec for the user management service",
				Priority:    "high",
				Labels:      `["backend", "api"]`,
				AssigneeID:  alice.ID,
				CreatedBy:   alice.ID,
			},
			{
				ColumnID:    cols["Done"].ID,
				Title:       "Project setup and scaffolding",
				Description: "Initialize project structure, linting, and dev tooling",
				Priority:    "medium",
				Labels:      `["devops"]`,
				AssigneeID:  alice.ID,
				CreatedBy:   alice.ID,
			},
		}
		for _, c := range cards {
			if _, err := tx.CreateCard(c); err != nil {
				return fmt.Errorf("seed card %q: %w", c.Title, err)
			}
		}
		return nil
	})
}
