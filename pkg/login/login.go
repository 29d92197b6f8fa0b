// Package login resolves symbolic user and group names against the
// on-disk passwd/group databases, per spec.md §4.C. Adapted from the
// teacher's pkg/login package, which parsed the same files to support
// account creation at image-build time; this package only reads.
package login

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrUnknownUser is returned when a symbolic user name has no entry in
	// the passwd database.
	ErrUnknownUser = errors.New("unknown user")
	// ErrUnknownGroup is returned when a symbolic group name has no entry
	// in the group database.
	ErrUnknownGroup = errors.New("unknown group")
)

// PasswdEntry is one line of /etc/passwd.
type PasswdEntry struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
	Shell    string
}

// GroupEntry is one line of /etc/group.
type GroupEntry struct {
	Groupname string
	GID       int
	Users     []string
}

// Database is a parsed passwd/group pair, indexed for name and numeric-id
// lookup in both directions.
type Database struct {
	usersByName  map[string]*PasswdEntry
	usersByUID   map[int]*PasswdEntry
	groupsByName map[string]*GroupEntry
	groupsByGID  map[int]*GroupEntry
}

// Load parses the passwd and group files at the given paths.
func Load(fs afero.Fs, passwdFile, groupFile string) (*Database, error) {
	users, usersByUID, err := parsePasswd(fs, passwdFile)
	if err != nil {
		return nil, err
	}
	groups, groupsByGID, err := parseGroup(fs, groupFile)
	if err != nil {
		return nil, err
	}
	return &Database{
		usersByName:  users,
		usersByUID:   usersByUID,
		groupsByName: groups,
		groupsByGID:  groupsByGID,
	}, nil
}

// ResolveUser accepts either a numeric uid or a symbolic username and
// returns the numeric uid and that user's primary gid.
func (d *Database) ResolveUser(spec string) (uid, gid int, err error) {
	if n, err := strconv.Atoi(spec); err == nil {
		if entry, ok := d.usersByUID[n]; ok {
			return entry.UID, entry.GID, nil
		}
		return n, n, nil
	}
	entry, ok := d.usersByName[spec]
	if !ok {
		return 0, 0, fmt.Errorf("%s: %w", spec, ErrUnknownUser)
	}
	return entry.UID, entry.GID, nil
}

// ResolveGroup accepts either a numeric gid or a symbolic group name and
// returns the numeric gid.
func (d *Database) ResolveGroup(spec string) (gid int, err error) {
	if n, err := strconv.Atoi(spec); err == nil {
		return n, nil
	}
	entry, ok := d.groupsByName[spec]
	if !ok {
		return 0, fmt.Errorf("%s: %w", spec, ErrUnknownGroup)
	}
	return entry.GID, nil
}

func parsePasswd(fs afero.Fs, path string) (map[string]*PasswdEntry, map[int]*PasswdEntry, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	byName := make(map[string]*PasswdEntry)
	byUID := make(map[int]*PasswdEntry)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 7 {
			return nil, nil, fmt.Errorf("unexpected number of fields in %s: %d", path, len(fields))
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing uid in %s: %w", path, err)
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing gid in %s: %w", path, err)
		}
		entry := &PasswdEntry{
			Username: fields[0],
			UID:      uid,
			GID:      gid,
			HomeDir:  fields[5],
			Shell:    fields[6],
		}
		byName[entry.Username] = entry
		byUID[entry.UID] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	return byName, byUID, nil
}

func parseGroup(fs afero.Fs, path string) (map[string]*GroupEntry, map[int]*GroupEntry, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	byName := make(map[string]*GroupEntry)
	byGID := make(map[int]*GroupEntry)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 4 {
			return nil, nil, fmt.Errorf("unexpected number of fields in %s: %d", path, len(fields))
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing gid in %s: %w", path, err)
		}
		entry := &GroupEntry{
			Groupname: fields[0],
			GID:       gid,
			Users:     nonEmptyStrings(strings.Split(fields[3], ",")),
		}
		byName[entry.Groupname] = entry
		byGID[entry.GID] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	return byName, byGID, nil
}

func nonEmptyStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
