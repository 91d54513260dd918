package persistence

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/coordq/internal/storeerr"
)

var (
	noColumnNamed = regexp.MustCompile(`no column named (\w+)`)
	noSuchColumn  = regexp.MustCompile(`no such column: (?:\w+\.)?(\w+)`)
)

// Classify maps go-sqlite3 errors onto storeerr kinds.
func (s *Store) Classify(err error) storeerr.Classification {
	return classifySQLite(err)
}

func classifySQLite(err error) storeerr.Classification {
	if err == nil {
		return storeerr.Classification{Kind: storeerr.KindNone}
	}
	if cls, ok := storeerr.ContextKind(err); ok {
		return cls
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := fmt.Sprintf("%d/%d", int(sqliteErr.Code), int(sqliteErr.ExtendedCode))
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			cls := storeerr.Conflict()
			cls.Code = code
			cls.Detail = sqliteErr.Error()
			return cls
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			cls := storeerr.Unavailable()
			cls.Code = code
			return cls
		}
		if name := missingColumn(sqliteErr.Error()); name != "" {
			cls := storeerr.MissingColumn(name)
			cls.Code = code
			return cls
		}
		cls := storeerr.Other()
		cls.Code = code
		cls.Detail = sqliteErr.Error()
		return cls
	}
	if isSQLiteBusy(err) {
		return storeerr.Unavailable()
	}
	if name := missingColumn(err.Error()); name != "" {
		return storeerr.MissingColumn(name)
	}
	cls := storeerr.Other()
	cls.Detail = err.Error()
	return cls
}

func missingColumn(msg string) string {
	if m := noColumnNamed.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if m := noSuchColumn.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}
