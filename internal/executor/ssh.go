package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshExecutor runs commands over an OpenSSH-compatible session, one
// connection per target reused across commands within a single Run.
type sshExecutor struct {
	cred resolvedCredential

	mu     sync.Mutex
	client *ssh.Client
}

func newSSHExecutor(cred resolvedCredential) *sshExecutor {
	return &sshExecutor{cred: cred}
}

func (e *sshExecutor) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if e.cred.SSHKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(e.cred.SSHKey))
		if err != nil {
			return nil, fmt.Errorf("executor: parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if e.cred.Password != "" {
		methods = append(methods, ssh.Password(e.cred.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("executor: no ssh credential configured for %s", e.cred.Hostname)
	}
	return methods, nil
}

func (e *sshExecutor) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	methods, err := e.authMethods()
	if err != nil {
		return err
	}
	config := &ssh.ClientConfig{
		User: e.cred.Username,
		Auth: methods,
		// Host key verification is a deployment-time concern (a known_hosts
		// store lives with the deployment, not here); this dials without one.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         10 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", e.cred.Hostname, sshPort(e.cred.Port))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("executor: dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("executor: ssh handshake %s: %w", addr, err)
	}
	e.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

func sshPort(p int) int {
	if p <= 0 {
		return 22
	}
	return p
}

func (e *sshExecutor) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *sshExecutor) TestConnection(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("executor: ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()
	return session.Run("true")
}

func (e *sshExecutor) GetServerInfo(ctx context.Context) (ServerInfo, error) {
	return ServerInfo{
		Hostname: e.cred.Hostname,
		OSType:   e.cred.OSType,
		Username: e.cred.Username,
		Port:     sshPort(e.cred.Port),
	}, nil
}

// buildShellCommand wraps cmd.Shell with sudo elevation and env/cwd
// prefixes the way an interactive shell would.
func buildShellCommand(cmd Command) string {
	var b strings.Builder
	if cmd.WorkingDirectory != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(cmd.WorkingDirectory))
	}
	for k, v := range cmd.Environment {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(v))
	}
	shell := cmd.Shell
	if cmd.RequiresElevation {
		if cmd.SudoPassword != "" {
			shell = fmt.Sprintf("echo %s | sudo -S %s", shellQuote(cmd.SudoPassword), shell)
		} else {
			shell = "sudo " + shell
		}
	}
	b.WriteString(shell)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *sshExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	if cmd.RequiresElevation && cmd.SudoPassword == "" {
		cmd.SudoPassword = e.cred.SudoPassword
	}
	if err := ValidateShellCommand(cmd.Shell); err != nil {
		return errorResult(cmd, ErrCommand, false, err), nil
	}
	if err := e.Connect(ctx); err != nil {
		return errorResult(cmd, ErrConnection, true, err), nil
	}
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		e.invalidate()
		return errorResult(cmd, ErrConnection, true, err), nil
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	shell := buildShellCommand(cmd)
	start := time.Now()

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(shell) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-errCh:
	}
	duration := time.Since(start)

	exitCode := 0
	errType := ""
	retryable := false
	errMsg := ""
	if runErr != nil {
		switch v := runErr.(type) {
		case *ssh.ExitError:
			exitCode = v.ExitStatus()
			errType = ErrCommand
			retryable = true
		case *ssh.ExitMissingError:
			errType = ErrConnection
			retryable = true
			errMsg = runErr.Error()
		default:
			if ctx.Err() != nil {
				errType = ErrTimeout
				retryable = true
			} else {
				errType = ErrConnection
				retryable = true
			}
			errMsg = runErr.Error()
		}
	}

	success := runErr == nil && matchesExpectation(cmd, exitCode, stdout.String())
	if runErr == nil && !success {
		errType = ErrCommand
		errMsg = "command exited with unexpected status or output"
	}

	return Result{
		Success:        success,
		ExitCode:       exitCode,
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		Duration:       duration,
		Command:        shell,
		ServerHostname: e.cred.Hostname,
		ExecutedAt:     start,
		ErrorType:      errType,
		ErrorMessage:   errMsg,
		Retryable:      retryable,
	}, nil
}

func matchesExpectation(cmd Command, exitCode int, stdout string) bool {
	if exitCode != cmd.ExpectedExitCode {
		return false
	}
	if cmd.ExpectedOutputRE == "" {
		return true
	}
	re, err := regexp.Compile("(?im)" + cmd.ExpectedOutputRE)
	if err != nil {
		return false
	}
	return re.MatchString(stdout)
}

func (e *sshExecutor) invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
	}
}

func errorResult(cmd Command, errType string, retryable bool, err error) Result {
	return Result{
		Success:      false,
		Command:      cmd.Shell,
		ExecutedAt:   time.Now(),
		ErrorType:    errType,
		ErrorMessage: err.Error(),
		Retryable:    retryable,
	}
}

// StreamExecute yields stdout lines as they arrive, interleaving stderr
// lines prefixed with StderrPrefix.
func (e *sshExecutor) StreamExecute(ctx context.Context, cmd Command) (<-chan string, <-chan error) {
	lines := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errs)

		if err := e.Connect(ctx); err != nil {
			errs <- err
			return
		}
		e.mu.Lock()
		client := e.client
		e.mu.Unlock()

		session, err := client.NewSession()
		if err != nil {
			errs <- err
			return
		}
		defer func() { _ = session.Close() }()

		stdoutPipe, err := session.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		stderrPipe, err := session.StderrPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := session.Start(buildShellCommand(cmd)); err != nil {
			errs <- err
			return
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go streamLines(&wg, stdoutPipe, lines, "")
		go streamLines(&wg, stderrPipe, lines, StderrPrefix)
		wg.Wait()

		if err := session.Wait(); err != nil {
			errs <- err
		}
	}()

	return lines, errs
}

func streamLines(wg *sync.WaitGroup, r io.Reader, out chan<- string, prefix string) {
	defer wg.Done()
	buf := make([]byte, 4096)
	var pending strings.Builder
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			for {
				s := pending.String()
				idx := strings.IndexByte(s, '\n')
				if idx < 0 {
					break
				}
				out <- prefix + s[:idx]
				pending.Reset()
				pending.WriteString(s[idx+1:])
			}
		}
		if err != nil {
			if pending.Len() > 0 {
				out <- prefix + pending.String()
			}
			return
		}
	}
}

// sshInteractiveSession tracks a command started with ExecuteInteractive
// that did not finish within its initial wait and now needs input.
type sshInteractiveSession struct {
	session *ssh.Session
	stdin   io.WriteCloser
	out     *bytes.Buffer
	done    chan error
	mu      sync.Mutex
	exited  bool
}

// ExecuteInteractive starts cmd and waits up to initialTimeout for it to
// exit. If it hasn't, the session is returned with NeedsInput()==true so
// the caller can drive it via SendInput.
func (e *sshExecutor) ExecuteInteractive(ctx context.Context, cmd Command, initialTimeout time.Duration) (InteractiveSession, error) {
	if err := e.Connect(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("executor: ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	if err := session.Start(buildShellCommand(cmd)); err != nil {
		_ = session.Close()
		return nil, err
	}

	sess := &sshInteractiveSession{session: session, stdin: stdin, out: &out, done: make(chan error, 1)}
	go func() { sess.done <- session.Wait() }()

	select {
	case err := <-sess.done:
		sess.mu.Lock()
		sess.exited = true
		sess.mu.Unlock()
		if err != nil {
			return sess, nil
		}
		return sess, nil
	case <-time.After(initialTimeout):
		return sess, nil
	}
}

func (s *sshInteractiveSession) NeedsInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.exited
}

func (s *sshInteractiveSession) Output() string {
	return s.out.String()
}

func (s *sshInteractiveSession) SendInput(ctx context.Context, input string) (InteractiveSession, error) {
	if _, err := io.WriteString(s.stdin, input+"\n"); err != nil {
		return s, err
	}
	select {
	case err := <-s.done:
		s.mu.Lock()
		s.exited = true
		s.mu.Unlock()
		return s, err
	case <-time.After(5 * time.Second):
		return s, nil
	case <-ctx.Done():
		return s, ctx.Err()
	}
}

// Cancel sends an interrupt, then a kill if the process hasn't exited
// shortly after.
func (s *sshInteractiveSession) Cancel(ctx context.Context) error {
	_ = s.session.Signal(ssh.SIGINT)
	select {
	case <-s.done:
		return nil
	case <-time.After(2 * time.Second):
	}
	_ = s.session.Signal(ssh.SIGKILL)
	return s.session.Close()
}
