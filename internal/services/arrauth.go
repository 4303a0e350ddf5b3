package services

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// arrPasswordMatches reports whether username/password already matches
// the credential row an *arr application's own SQLite database holds
// for its UI login, so a host-settings sync can skip re-submitting
// identical credentials. The Users table layout (Username, Password,
// Salt) matches the ASP.NET Identity schema Servarr applications use;
// the PBKDF2 comparison itself reuses HashPassword/VerifyPassword
// rather than porting the application's own hash routine, since that
// routine was not present in the retrieved reference slice.
func arrPasswordMatches(dbPath, username, password string) bool {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()

	var storedUsername, hash, salt string
	row := db.QueryRow(`SELECT "Username", "Password", "Salt" FROM "Users" LIMIT 1`)
	if err := row.Scan(&storedUsername, &hash, &salt); err != nil {
		return false
	}
	if storedUsername != username {
		return false
	}

	ok, err := VerifyPassword(password, hash, salt)
	if err != nil {
		return false
	}
	return ok
}
