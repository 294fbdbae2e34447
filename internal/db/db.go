package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

// Open connects to a remote libsql database when url is non-empty,
// otherwise to a local sqlite file at path.
func Open(url, authToken, path string) (*sql.DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	if url != "" {
		dsn := url
		if authToken != "" {
			dsn = fmt.Sprintf("%s?authToken=%s", url, authToken)
		}
		conn, err = sql.Open("libsql", dsn)
	} else {
		conn, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	}
	if err != nil {
		return nil, err
	}

	if err = conn.Ping(); err != nil {
		return nil, err
	}

	return conn, nil
}

// Bootstrap creates the schema and seeds the initial catalog. Safe to
// run on every startup.
func Bootstrap(conn *sql.DB) error {
	if err := createTables(conn); err != nil {
		return err
	}
	return seed(conn)
}

func createTables(conn *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id INTEGER UNIQUE NOT NULL,
		username TEXT,
		first_name TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT,
		price INTEGER NOT NULL,
		ai_prompt TEXT,
		image_url TEXT,
		active BOOLEAN DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		certificate_id INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT DEFAULT 'pending',
		payment_ref TEXT,
		qr_code TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		paid_at DATETIME,
		FOREIGN KEY(user_id) REFERENCES users(id),
		FOREIGN KEY(certificate_id) REFERENCES certificates(id)
	);

	CREATE TABLE IF NOT EXISTS raffles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		certificate_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT DEFAULT 'active',
		winner_id INTEGER,
		ends_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(certificate_id) REFERENCES certificates(id),
		FOREIGN KEY(winner_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS raffle_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		raffle_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(raffle_id, user_id),
		FOREIGN KEY(raffle_id) REFERENCES raffles(id),
		FOREIGN KEY(user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS charity_options (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT,
		image_url TEXT,
		votes INTEGER DEFAULT 0,
		active BOOLEAN DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS charity_votes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL UNIQUE,
		option_id INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(user_id) REFERENCES users(id),
		FOREIGN KEY(option_id) REFERENCES charity_options(id)
	);
	`

	_, err := conn.Exec(query)
	return err
}

func seed(conn *sql.DB) error {
	_, err := conn.Exec(`
	INSERT OR IGNORE INTO certificates (id, title, description, price, ai_prompt) VALUES
	(1, 'Базовая финансовая грамотность', 'Консультация с AI по основам личных финансов: бюджет, накопления, долги', 1000, 'Ты финансовый советник. Помоги пользователю с базовыми вопросами бюджета и накоплений.'),
	(2, 'Инвестиции для начинающих', 'AI-советник по инвестициям, пассивному доходу и портфельной стратегии', 2500, 'Ты эксперт по инвестициям. Объясни пользователю основы инвестирования простым языком.'),
	(3, 'Налоговая оптимизация', 'Консультация по налогам, вычетам и легальной оптимизации', 5000, 'Ты налоговый консультант. Помоги пользователю разобраться с налогами и вычетами.')
	`)
	if err != nil {
		return err
	}

	_, err = conn.Exec(`
	INSERT OR IGNORE INTO charity_options (id, title, description) VALUES
	(1, 'Финансовая грамотность для детей', 'Обучение школьников основам управления деньгами'),
	(2, 'Помощь пенсионерам', 'Консультации по пенсионным накоплениям и льготам'),
	(3, 'Поддержка начинающих предпринимателей', 'Менторство и финансовое планирование для стартапов')
	`)
	if err != nil {
		return err
	}

	// Seed one open raffle if none was ever created
	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM raffles").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		endsAt := time.Now().UTC().Add(7 * 24 * time.Hour).Format("2006-01-02 15:04:05")
		_, err = conn.Exec(`
		INSERT INTO raffles (certificate_id, title, description, status, ends_at) VALUES
		(2, 'Бесплатный сертификат "Инвестиции"', 'Выиграйте бесплатную AI-консультацию по инвестициям!', 'active', ?)
		`, endsAt)
		if err != nil {
			return err
		}
	}

	return nil
}
