package db

import (
	"fmt"

	"github.com/tgruben-circuit/kira/ids"
)

// CreateUser inserts a user. Usernames are unique.
func (tx *Tx) CreateUser(username string) (*User, error) {
	u := &User{ID: ids.New(), Username: username}
	_, err := tx.Exec(`INSERT INTO users (id, username) VALUES (?, ?)`, u.ID, u.Username)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByUsername looks a user up by handle.
func (rx *Rx) GetUserByUsername(username string) (*User, error) {
	var u User
	err := rx.QueryRow(`SELECT id, username FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateBoard inserts a board and adds the owner as a member.
func (tx *Tx) CreateBoard(name, description, ownerID string) (*Board, error) {
	b := &Board{
		ID:           ids.New(),
		Name:         name,
		Description:  description,
		OwnerID:      ownerID,
		SettingsJSON: "{}",
		CreatedAt:    tx.Now,
		UpdatedAt:    tx.Now,
	}
	_, err := tx.Exec(
		`INSERT INTO boards (id, name, description, owner_id, settings_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Description, b.OwnerID, b.SettingsJSON, nanos(b.CreatedAt), nanos(b.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO board_members (board_id, user_id, role) VALUES (?, ?, 'owner')`,
		b.ID, ownerID); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBoard applies non-empty fields. An empty string leaves the
// column untouched; settings_json is replaced wholesale when non-empty.
func (tx *Tx) UpdateBoard(boardID, name, description, settingsJSON string) error {
	if name != "" {
		if _, err := tx.Exec(`UPDATE boards SET name = ? WHERE id = ?`, name, boardID); err != nil {
			return err
		}
	}
	if description != "" {
		if _, err := tx.Exec(`UPDATE boards SET description = ? WHERE id = ?`, description, boardID); err != nil {
			return err
		}
	}
	if settingsJSON != "" {
		if _, err := tx.Exec(`UPDATE boards SET settings_json = ? WHERE id = ?`, settingsJSON, boardID); err != nil {
			return err
		}
	}
	_, err := tx.Exec(`UPDATE boards SET updated_at = ? WHERE id = ?`, nanos(tx.Now), boardID)
	return err
}

func (rx *Rx) GetBoard(boardID string) (*Board, error) {
	var b Board
	var created, updated int64
	err := rx.QueryRow(
		`SELECT id, name, description, owner_id, settings_json, created_at, updated_at
		 FROM boards WHERE id = ?`, boardID).
		Scan(&b.ID, &b.Name, &b.Description, &b.OwnerID, &b.SettingsJSON, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	b.CreatedAt, b.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &b, nil
}

// IsBoardMember reports whether the user belongs to the board.
func (rx *Rx) IsBoardMember(boardID, userID string) (bool, error) {
	var n int
	err := rx.QueryRow(
		`SELECT COUNT(*) FROM board_members WHERE board_id = ? AND user_id = ?`,
		boardID, userID).Scan(&n)
	return n > 0, err
}

const columnCols = `id, board_id, name, position, color, agent_type, agent_skill, agent_model,
	auto_run, on_success_column_id, on_failure_column_id, max_loop_count, prompt_template`

func scanColumn(row *Row) (*Column, error) {
	var c Column
	err := row.Scan(&c.ID, &c.BoardID, &c.Name, &c.Position, &c.Color,
		&c.AgentType, &c.AgentSkill, &c.AgentModel, &c.AutoRun,
		&c.OnSuccessColumnID, &c.OnFailureColumnID, &c.MaxLoopCount, &c.PromptTemplate)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateColumn appends a column at the end of the board.
func (tx *Tx) CreateColumn(c Column) (*Column, error) {
	if c.ID == "" {
		c.ID = ids.New()
	}
	if c.AgentModel == "" {
		c.AgentModel = "smart"
	}
	if c.MaxLoopCount == 0 {
		c.MaxLoopCount = 3
	}
	var maxPos int
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(position), -1) FROM columns WHERE board_id = ?`, c.BoardID).
		Scan(&maxPos)
	if err != nil {
		return nil, err
	}
	c.Position = maxPos + 1
	_, err = tx.Exec(
		`INSERT INTO columns (`+columnCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.BoardID, c.Name, c.Position, c.Color, c.AgentType, c.AgentSkill,
		c.AgentModel, c.AutoRun, c.OnSuccessColumnID, c.OnFailureColumnID,
		c.MaxLoopCount, c.PromptTemplate)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateColumnRouting wires the success/failure destinations of a column.
func (tx *Tx) UpdateColumnRouting(columnID, onSuccess, onFailure string) error {
	res, err := tx.Exec(
		`UPDATE columns SET on_success_column_id = ?, on_failure_column_id = ? WHERE id = ?`,
		onSuccess, onFailure, columnID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update column %s: %w", columnID, ErrNotFound)
	}
	return nil
}

func (rx *Rx) GetColumn(columnID string) (*Column, error) {
	return scanColumn(rx.QueryRow(
		`SELECT `+columnCols+` FROM columns WHERE id = ?`, columnID))
}

// ListColumns returns a board's columns in position order.
func (rx *Rx) ListColumns(boardID string) ([]Column, error) {
	rows, err := rx.Query(
		`SELECT `+columnCols+` FROM columns WHERE board_id = ? ORDER BY position ASC`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.ID, &c.BoardID, &c.Name, &c.Position, &c.Color,
			&c.AgentType, &c.AgentSkill, &c.AgentModel, &c.AutoRun,
			&c.OnSuccessColumnID, &c.OnFailureColumnID, &c.MaxLoopCount, &c.PromptTemplate); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

const cardCols = `id, column_id, board_id, title, description, position, assignee_id,
	priority, labels, agent_status, created_by, created_at, updated_at`

// CreateCard appends a card at the end of its column.
func (tx *Tx) CreateCard(c Card) (*Card, error) {
	if c.ID == "" {
		c.ID = ids.New()
	}
	if c.Priority == "" {
		c.Priority = "medium"
	}
	if c.Labels == "" {
		c.Labels = "[]"
	}
	if c.BoardID == "" {
		col, err := tx.GetColumn(c.ColumnID)
		if err != nil {
			return nil, err
		}
		c.BoardID = col.BoardID
	}
	var maxPos int
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(position), -1) FROM cards WHERE column_id = ?`, c.ColumnID).
		Scan(&maxPos)
	if err != nil {
		return nil, err
	}
	c.Position = maxPos + 1
	c.CreatedAt, c.UpdatedAt = tx.Now, tx.Now
	_, err = tx.Exec(
		`INSERT INTO cards (`+cardCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ColumnID, c.BoardID, c.Title, c.Description, c.Position, c.AssigneeID,
		c.Priority, c.Labels, c.AgentStatus, c.CreatedBy, nanos(c.CreatedAt), nanos(c.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCard(row *Row) (*Card, error) {
	var c Card
	var created, updated int64
	err := row.Scan(&c.ID, &c.ColumnID, &c.BoardID, &c.Title, &c.Description, &c.Position,
		&c.AssigneeID, &c.Priority, &c.Labels, &c.AgentStatus, &c.CreatedBy, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &c, nil
}

func (rx *Rx) GetCard(cardID string) (*Card, error) {
	return scanCard(rx.QueryRow(`SELECT `+cardCols+` FROM cards WHERE id = ?`, cardID))
}

// ListCardsInColumn returns a column's cards in position order.
func (rx *Rx) ListCardsInColumn(columnID string) ([]Card, error) {
	rows, err := rx.Query(
		`SELECT `+cardCols+` FROM cards WHERE column_id = ? ORDER BY position ASC`, columnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cards []Card
	for rows.Next() {
		var c Card
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.ColumnID, &c.BoardID, &c.Title, &c.Description,
			&c.Position, &c.AssigneeID, &c.Priority, &c.Labels, &c.AgentStatus,
			&c.CreatedBy, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// MoveCardRow moves a card to (columnID, position), shifting and
// compacting neighbors. It is the row-level primitive: automation
// triggering on arrival is the automation package's concern.
func (tx *Tx) MoveCardRow(cardID, columnID string, position int) (*Card, error) {
	card, err := tx.GetCard(cardID)
	if err != nil {
		return nil, err
	}
	fromColumn := card.ColumnID

	// Make room in the target column.
	if _, err := tx.Exec(
		`UPDATE cards SET position = position + 1 WHERE column_id = ? AND position >= ?`,
		columnID, position); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`UPDATE cards SET column_id = ?, position = ?, updated_at = ? WHERE id = ?`,
		columnID, position, nanos(tx.Now), cardID); err != nil {
		return nil, err
	}
	if fromColumn != columnID {
		if err := tx.compactPositions(fromColumn); err != nil {
			return nil, err
		}
	}
	return tx.GetCard(cardID)
}

// compactPositions renumbers a column's cards 0..n-1 after a removal.
func (tx *Tx) compactPositions(columnID string) error {
	rows, err := tx.Query(
		`SELECT id FROM cards WHERE column_id = ? ORDER BY position ASC`, columnID)
	if err != nil {
		return err
	}
	var cardIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		cardIDs = append(cardIDs, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for i, id := range cardIDs {
		if _, err := tx.Exec(`UPDATE cards SET position = ? WHERE id = ?`, i, id); err != nil {
			return err
		}
	}
	return nil
}

// SetCardAgentStatus updates the card's mirror of its latest task state.
func (tx *Tx) SetCardAgentStatus(cardID, agentStatus string) error {
	_, err := tx.Exec(`UPDATE cards SET agent_status = ? WHERE id = ?`, agentStatus, cardID)
	return err
}

// InsertComment records an audit comment on a card.
func (tx *Tx) InsertComment(cardID, userID, content string, isAgentOutput bool) (*Comment, error) {
	c := &Comment{
		ID:            ids.New(),
		CardID:        cardID,
		UserID:        userID,
		Content:       content,
		IsAgentOutput: isAgentOutput,
		CreatedAt:     tx.Now,
	}
	_, err := tx.Exec(
		`INSERT INTO card_comments (id, card_id, user_id, content, is_agent_output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.CardID, c.UserID, c.Content, c.IsAgentOutput, nanos(c.CreatedAt))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// BoardsForUser returns the ids of boards the user is a member of.
func (rx *Rx) BoardsForUser(userID string) ([]string, error) {
	rows, err := rx.Query(`SELECT board_id FROM board_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var boards []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		boards = append(boards, id)
	}
	return boards, rows.Err()
}
