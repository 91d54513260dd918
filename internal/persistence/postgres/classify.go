package postgres

import (
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/basket/coordq/internal/storeerr"
)

var (
	pgMissingColumn        = regexp.MustCompile(`column "([^"]+)"`)
	postgrestMissingColumn = regexp.MustCompile(`Could not find the '([^']+)' column`)
)

// Classify maps pgx and Postgres errors onto storeerr kinds. Messages relayed
// through PostgREST are recognized as well.
func (s *Store) Classify(err error) storeerr.Classification {
	return Classify(err)
}

// Classify is the store-independent form of (*Store).Classify.
func Classify(err error) storeerr.Classification {
	if err == nil {
		return storeerr.Classification{Kind: storeerr.KindNone}
	}
	if cls, ok := storeerr.ContextKind(err); ok {
		return cls
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		cls := classifyCode(pgErr.Code, pgErr.Message)
		cls.Code = pgErr.Code
		cls.Detail = pgErr.Detail
		cls.Hint = pgErr.Hint
		if cls.Kind == storeerr.KindOther && cls.Detail == "" {
			cls.Detail = pgErr.Message
		}
		return cls
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return storeerr.Unavailable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return storeerr.Unavailable()
	}

	msg := err.Error()
	if m := postgrestMissingColumn.FindStringSubmatch(msg); m != nil {
		cls := storeerr.MissingColumn(m[1])
		cls.Code = "PGRST204"
		return cls
	}
	if strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection refused") {
		return storeerr.Unavailable()
	}
	cls := storeerr.Other()
	cls.Detail = msg
	return cls
}

func classifyCode(code, message string) storeerr.Classification {
	switch {
	case code == "23505":
		return storeerr.Conflict()
	case code == "42703":
		if m := pgMissingColumn.FindStringSubmatch(message); m != nil {
			return storeerr.MissingColumn(m[1])
		}
		return storeerr.MissingColumn("")
	case code == "PGRST204":
		if m := postgrestMissingColumn.FindStringSubmatch(message); m != nil {
			return storeerr.MissingColumn(m[1])
		}
		return storeerr.MissingColumn("")
	case strings.HasPrefix(code, "08"),
		code == "40001", code == "40P01",
		code == "53300", code == "57P01", code == "57P03":
		return storeerr.Unavailable()
	}
	return storeerr.Other()
}
