package auth

import (
	"bufio"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
)

// passwdEntry is one parsed line: the salt and SHA-512(password || salt).
type passwdEntry struct {
	salt   []byte
	digest []byte
}

// passwdFile holds the mosquitto-format credentials,
// `username:$6$<base64 salt>$<base64 sha512 digest>` per line. Reload
// detection compares the file's change time at second resolution.
type passwdFile struct {
	path string

	mu       sync.RWMutex
	entries  map[string]passwdEntry
	lastLoad int64

	// statErrLogged keeps the periodic reload from repeating the same
	// unreadable-file error every tick.
	statErrLogged bool
}

func newPasswdFile(path string) *passwdFile {
	return &passwdFile{path: path}
}

// load re-reads the file into a fresh mapping and swaps it in, but only
// when the ctime moved since the last load. An unreadable file keeps the
// previous mapping.
func (this *passwdFile) load() {
	if this.path == "" {
		return
	}

	fi, err := os.Stat(this.path)
	if err != nil {
		this.mu.Lock()
		if !this.statErrLogged {
			logger.Logger.Errorf("Passwd file '%s' is not there or not readable: %v", this.path, err)
			this.statErrLogged = true
		}
		this.mu.Unlock()
		return
	}

	ctime := int64(0)
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		ctime = st.Ctim.Sec
	}

	this.mu.RLock()
	last := this.lastLoad
	this.mu.RUnlock()
	if ctime == last {
		return
	}

	logger.Logger.Infof("Change detected in '%s'. Reloading.", this.path)

	f, err := os.Open(this.path)
	if err != nil {
		logger.Logger.Errorf("Error loading passwd file: %v. Authentication won't work.", err)
		return
	}
	defer f.Close()

	entries := make(map[string]passwdEntry)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		username, entry, err := parsePasswdLine(line)
		if err != nil {
			lineCut := line
			if len(lineCut) > 20 {
				lineCut = lineCut[:20] + "..."
			}
			logger.Logger.Errorf("Dropping invalid username/password line: '%s'. Error: %v", lineCut, err)
			continue
		}
		entries[username] = entry
	}
	if err := scanner.Err(); err != nil {
		logger.Logger.Errorf("Error loading passwd file: %v. Authentication won't work.", err)
		return
	}

	this.mu.Lock()
	this.entries = entries
	this.lastLoad = ctime
	this.statErrLogged = false
	this.mu.Unlock()
}

func parsePasswdLine(line string) (string, passwdEntry, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 2 {
		return "", passwdEntry{}, fmt.Errorf("line contains more than one ':'")
	}
	for _, field := range fields {
		if field == "" {
			return "", passwdEntry{}, fmt.Errorf("an empty field was found")
		}
	}
	username := fields[0]

	// The password field is "$6$<salt>$<digest>"; splitting on '$' yields
	// a leading empty element.
	sub := strings.Split(fields[1], "$")
	if len(sub) != 4 || sub[0] != "" {
		return "", passwdEntry{}, fmt.Errorf("expected three fields separated by '$'")
	}
	if sub[1] != "6" {
		return "", passwdEntry{}, fmt.Errorf("password fields must start with $6$")
	}

	salt, err := base64.StdEncoding.DecodeString(sub[2])
	if err != nil {
		return "", passwdEntry{}, err
	}
	digest, err := base64.StdEncoding.DecodeString(sub[3])
	if err != nil {
		return "", passwdEntry{}, err
	}
	if len(salt) == 0 || len(digest) == 0 {
		return "", passwdEntry{}, fmt.Errorf("an empty field was found")
	}
	return username, passwdEntry{salt: salt, digest: digest}, nil
}

// check verifies a login against the file. With no file configured every
// login passes this stage; with a file but no mapping loaded yet, logins
// are denied. An unknown user falls back to the anonymous policy.
func (this *passwdFile) check(username, password string, allowAnonymous bool) AuthResult {
	if this.path == "" {
		return AuthSuccess
	}

	this.mu.RLock()
	defer this.mu.RUnlock()

	if this.entries == nil {
		return AuthLoginDenied
	}

	entry, ok := this.entries[username]
	if !ok {
		if allowAnonymous {
			return AuthSuccess
		}
		return AuthLoginDenied
	}

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(entry.salt)
	sum := h.Sum(nil)

	if subtle.ConstantTimeCompare(sum, entry.digest) == 1 {
		return AuthSuccess
	}
	return AuthLoginDenied
}

// MakePasswdLine formats a credentials line the way load parses it. Used
// by provisioning tooling and the tests.
func MakePasswdLine(username, password string, salt []byte) string {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	sum := h.Sum(nil)
	return fmt.Sprintf("%s:$6$%s$%s", username,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sum))
}
