package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTP serves a directory tree on a remote SFTP server. The sftp client
// library does not take contexts; deadlines ride on the underlying SSH
// connection instead.
type SFTP struct {
	conn *ssh.Client
	cli  *sftp.Client
	base string
}

func DialSFTP(u *url.URL, conn Connection) (*SFTP, error) {
	user := conn.Username
	pass := conn.Password
	if u.User != nil {
		if user == "" {
			user = u.User.Username()
		}
		if pass == "" {
			pass, _ = u.User.Password()
		}
	}
	if user == "" {
		return nil, errors.New("store: sftp connection needs a username")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if conn.KnownHosts != "" {
		cb, err := knownhosts.New(conn.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("store: load known_hosts %s: %w", conn.KnownHosts, err)
		}
		hostKeys = cb
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}

	sshConn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("store: sftp dial %s: %w", addr, err)
	}

	cli, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("store: sftp session on %s: %w", addr, err)
	}

	base := u.Path
	if base == "" {
		base = "/"
	}
	return &SFTP{conn: sshConn, cli: cli, base: base}, nil
}

func (s *SFTP) resolve(p string) string {
	return path.Join(s.base, path.Clean("/"+p))
}

func (s *SFTP) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	infos, err := s.cli.ReadDir(s.resolve(dir))
	if err != nil {
		return nil, wrapErr("list", dir, err)
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		kind := KindOther
		switch {
		case fi.Mode().IsRegular():
			kind = KindFile
		case fi.IsDir():
			kind = KindDir
		}
		out = append(out, Entry{Name: fi.Name(), Kind: kind})
	}
	return out, nil
}

func (s *SFTP) Stat(ctx context.Context, p string) (Info, error) {
	fi, err := s.cli.Stat(s.resolve(p))
	if err != nil {
		return Info{}, wrapErr("stat", p, err)
	}
	return Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *SFTP) ReadFile(ctx context.Context, p string) ([]byte, error) {
	f, err := s.cli.Open(s.resolve(p))
	if err != nil {
		return nil, wrapErr("read", p, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, wrapErr("read", p, err)
	}
	return data, nil
}

func (s *SFTP) WriteFile(ctx context.Context, p string, data []byte) error {
	f, err := s.cli.Create(s.resolve(p))
	if err != nil {
		return wrapErr("write", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return wrapErr("write", p, err)
	}
	if err := f.Close(); err != nil {
		return wrapErr("write", p, err)
	}
	return nil
}

func (s *SFTP) MoveFile(ctx context.Context, oldPath, newPath string) error {
	src, dst := s.resolve(oldPath), s.resolve(newPath)
	// posix-rename overwrites atomically where the server supports the
	// extension; fall back to the plain rename otherwise.
	err := s.cli.PosixRename(src, dst)
	if err != nil {
		err = s.cli.Rename(src, dst)
	}
	if err != nil {
		return wrapErr("move", oldPath, err)
	}
	return nil
}

func (s *SFTP) Mkdir(ctx context.Context, dir string) error {
	p := s.resolve(dir)
	if fi, err := s.cli.Stat(p); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("mkdir %s: %w", dir, ErrAlreadyExists)
		}
		return fmt.Errorf("mkdir %s: path exists and is not a directory", dir)
	}
	if err := s.cli.MkdirAll(p); err != nil {
		return wrapErr("mkdir", dir, err)
	}
	return nil
}

func (s *SFTP) Close() error {
	if err := s.cli.Close(); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}
