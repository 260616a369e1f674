// storage/sftp.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SFTPOptions struct {
	// host:port
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	// Private key used for public key authentication.
	KeyFile string `yaml:"keyFile,omitempty"`
	// If empty, host keys are not verified.
	KnownHostsFile string `yaml:"knownHostsFile,omitempty"`
	// Remote directory objects are stored under.
	Root string `yaml:"root"`
}

type sftpGateway struct {
	options SFTPOptions
	conn    *ssh.Client
	client  *sftp.Client
	bw      *bandwidth
	clock   clock.Clock
}

func NewSFTP(opts Options) (Gateway, error) {
	if opts.SFTP.Addr == "" || opts.SFTP.User == "" {
		return nil, errors.New("sftp: address and user are required")
	}
	if opts.SFTP.Root == "" {
		opts.SFTP.Root = "."
	}
	return &sftpGateway{
		options: opts.SFTP,
		bw:      newBandwidth(opts.MaxUploadBytesPerSecond, opts.MaxDownloadBytesPerSecond),
		clock:   opts.clock(),
	}, nil
}

func (sg *sftpGateway) String() string {
	return "sftp://" + sg.options.User + "@" + sg.options.Addr + "/" +
		strings.TrimPrefix(sg.options.Root, "/")
}

func (sg *sftpGateway) sshConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if sg.options.KeyFile != "" {
		pem, err := os.ReadFile(sg.options.KeyFile)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if sg.options.Password != "" {
		auth = append(auth, ssh.Password(sg.options.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp: no password or key file given")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if sg.options.KnownHostsFile != "" {
		var err error
		if hostKeys, err = knownhosts.New(sg.options.KnownHostsFile); err != nil {
			return nil, err
		}
	} else {
		log.Warning("%s: host key checking disabled", sg)
	}

	return &ssh.ClientConfig{
		User:            sg.options.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	}, nil
}

func (sg *sftpGateway) Initialize(ctx context.Context) error {
	cfg, err := sg.sshConfig()
	if err != nil {
		return err
	}
	sg.conn, err = ssh.Dial("tcp", sg.options.Addr, cfg)
	if err != nil {
		return classifySFTP("dial", sg.options.Addr, err)
	}
	sg.client, err = sftp.NewClient(sg.conn)
	if err != nil {
		sg.conn.Close()
		return err
	}
	return sg.client.MkdirAll(sg.options.Root)
}

func (sg *sftpGateway) Close() error {
	var err error
	if sg.client != nil {
		err = sg.client.Close()
	}
	if sg.conn != nil {
		if cerr := sg.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

func classifySFTP(op, key string, err error) error {
	if err == nil || isNotExist(err) {
		return err
	}
	if isNetError(err) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) {
		return Transient(op, key, err)
	}
	return err
}

func (sg *sftpGateway) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return path.Join(sg.options.Root, key), nil
}

func (sg *sftpGateway) Upload(ctx context.Context, localPath, remoteKey string) error {
	dst, err := sg.path(remoteKey)
	if err != nil {
		return err
	}
	return withRetry(ctx, sg.clock, remoteKey, func() error {
		return sg.upload(ctx, localPath, dst)
	})
}

func (sg *sftpGateway) upload(ctx context.Context, localPath, dst string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := sg.client.MkdirAll(path.Dir(dst)); err != nil {
		return classifySFTP("mkdir", dst, err)
	}

	tmp := tempName(dst)
	w, err := sg.client.Create(tmp)
	if err != nil {
		return classifySFTP("create", tmp, err)
	}
	_, err = io.Copy(w, sg.bw.uploadReader(ctx, f))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = sg.client.PosixRename(tmp, dst)
	}
	if err != nil {
		sg.client.Remove(tmp)
		return classifySFTP("upload", dst, err)
	}
	return nil
}

func (sg *sftpGateway) Download(ctx context.Context, remoteKey, localPath string) error {
	src, err := sg.path(remoteKey)
	if err != nil {
		return err
	}
	return withRetry(ctx, sg.clock, remoteKey, func() error {
		r, err := sg.client.Open(src)
		if isNotExist(err) {
			return ErrNotFound
		} else if err != nil {
			return classifySFTP("download", src, err)
		}
		defer r.Close()

		_, err = writeFileAtomic(ctx, localPath, sg.bw.downloadReader(ctx, r))
		return classifySFTP("download", src, err)
	})
}

func (sg *sftpGateway) Exists(ctx context.Context, remoteKey string) (bool, error) {
	p, err := sg.path(remoteKey)
	if err != nil {
		return false, err
	}
	var exists bool
	err = withRetry(ctx, sg.clock, remoteKey, func() error {
		_, err := sg.client.Stat(p)
		switch {
		case err == nil:
			exists = true
			return nil
		case isNotExist(err):
			exists = false
			return nil
		default:
			return classifySFTP("exists", p, err)
		}
	})
	return exists, err
}

func (sg *sftpGateway) Delete(ctx context.Context, remoteKey string) error {
	p, err := sg.path(remoteKey)
	if err != nil {
		return err
	}
	return withRetry(ctx, sg.clock, remoteKey, func() error {
		err := sg.client.Remove(p)
		if isNotExist(err) {
			return nil
		}
		return classifySFTP("delete", p, err)
	})
}

func (sg *sftpGateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	root := path.Clean(sg.options.Root)
	walker := sg.client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, classifySFTP("list", walker.Path(), err)
		}
		fi := walker.Stat()
		if fi.IsDir() || strings.Contains(fi.Name(), ".part-") {
			continue
		}
		key := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{key, fi.Size(), fi.ModTime()})
		}
	}
	return infos, nil
}
