// Package store is the Postgres-backed directory and conversation log.
//
// Every read is expected to be fallible at runtime (the database may be down
// while calls are live); callers must treat errors as "no data" and degrade to
// a caller-safe fallback rather than propagating failures into the audio path.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound marks lookups that matched no rows. It is a normal outcome, not
// a failure.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// likePattern builds a case-insensitive substring pattern for ILIKE, escaping
// the LIKE metacharacters in the user-supplied query.
func likePattern(q string) string {
	q = strings.TrimSpace(q)
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(q) + "%"
}

func (s *Store) Locations(ctx context.Context) ([]Location, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, address, phone FROM locations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.Name, &l.Address, &l.Phone); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) SearchDepartments(ctx context.Context, query string) ([]Department, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.name, d.description, d.timings, COALESCE(l.name, '')
		   FROM departments d
		   LEFT JOIN locations l ON l.id = d.location_id
		  WHERE d.name ILIKE $1 OR d.description ILIKE $1
		  ORDER BY d.name`, likePattern(query))
	if err != nil {
		return nil, fmt.Errorf("query departments: %w", err)
	}
	defer rows.Close()

	var out []Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.Name, &d.Description, &d.Timings, &d.Location); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SearchDoctors(ctx context.Context, query string) ([]Doctor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc.name, doc.specialty, COALESCE(d.name, ''), COALESCE(doc.phone, '')
		   FROM doctors doc
		   LEFT JOIN departments d ON d.id = doc.department_id
		  WHERE doc.name ILIKE $1 OR doc.specialty ILIKE $1
		  ORDER BY doc.name`, likePattern(query))
	if err != nil {
		return nil, fmt.Errorf("query doctors: %w", err)
	}
	defer rows.Close()

	var out []Doctor
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.Name, &d.Specialty, &d.Department, &d.Phone); err != nil {
			return nil, fmt.Errorf("scan doctor: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DoctorAvailability(ctx context.Context, doctorName string) ([]AvailabilitySlot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc.name, a.day_of_week, a.start_time, a.end_time
		   FROM doctor_availability a
		   JOIN doctors doc ON doc.id = a.doctor_id
		  WHERE doc.name ILIKE $1
		  ORDER BY a.day_of_week, a.start_time`, likePattern(doctorName))
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	defer rows.Close()

	var out []AvailabilitySlot
	for rows.Next() {
		var a AvailabilitySlot
		if err := rows.Scan(&a.Doctor, &a.DayOfWeek, &a.StartTime, &a.EndTime); err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DepartmentContact resolves a department name to its directory phone number.
func (s *Store) DepartmentContact(ctx context.Context, department string) (Contact, error) {
	var c Contact
	err := s.pool.QueryRow(ctx,
		`SELECT department, phone FROM contacts WHERE department ILIKE $1 LIMIT 1`,
		likePattern(department)).Scan(&c.Department, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("query contact: %w", err)
	}
	return c, nil
}

func (s *Store) HospitalInfo(ctx context.Context, topic string) ([]InfoEntry, error) {
	q := `SELECT topic, content FROM hospital_info ORDER BY topic`
	args := []any{}
	if strings.TrimSpace(topic) != "" {
		q = `SELECT topic, content FROM hospital_info WHERE topic ILIKE $1 OR content ILIKE $1 ORDER BY topic`
		args = append(args, likePattern(topic))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query hospital info: %w", err)
	}
	defer rows.Close()

	var out []InfoEntry
	for rows.Next() {
		var e InfoEntry
		if err := rows.Scan(&e.Topic, &e.Content); err != nil {
			return nil, fmt.Errorf("scan hospital info: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateConversation(ctx context.Context, rec ConversationRecord) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (call_sid, session_id, caller_phone, channel, status, started_at)
		 VALUES ($1, $2, $3, $4, 'active', $5)
		 RETURNING id`,
		rec.CallSID, rec.SessionID, rec.CallerPhone, rec.Channel, rec.StartedAt).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return id, nil
}

func (s *Store) SaveMessages(ctx context.Context, conversationID string, msgs []MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(
			`INSERT INTO conversation_messages (conversation_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4)`,
			conversationID, m.Role, m.Content, m.CreatedAt)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range msgs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

func (s *Store) EndConversation(ctx context.Context, conversationID, status string, duration time.Duration, language string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations
		    SET status = $2, ended_at = now(), duration_seconds = $3, language = $4
		  WHERE id = $1`,
		conversationID, status, int64(duration.Seconds()), language)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

func (s *Store) SaveSummary(ctx context.Context, conversationID string, sum SummaryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_summaries
		        (conversation_id, message_count, function_call_count, transfer_count, emergency_count, language, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (conversation_id) DO UPDATE
		    SET message_count = EXCLUDED.message_count,
		        function_call_count = EXCLUDED.function_call_count,
		        transfer_count = EXCLUDED.transfer_count,
		        emergency_count = EXCLUDED.emergency_count,
		        language = EXCLUDED.language,
		        duration_seconds = EXCLUDED.duration_seconds`,
		conversationID, sum.MessageCount, sum.FunctionCallCount, sum.TransferCount,
		sum.EmergencyCount, sum.Language, sum.DurationSeconds)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}
