// Package ssh tunnels outbound TCP connections through an SSH server.
//
// A [Tunnel] keeps one SSH transport open to the upstream server and opens a
// "direct-tcpip" channel per dial, the same thing ssh -D does. The transport
// is established on first use and re-established when a dial finds it dead.
//
// Host keys are checked against a known_hosts file. Hosts that are not in the
// file yet are appended on first contact.
//
//	signers, _ := ssh.LoadSigners("agent")
//	hostKeys, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts")
//
//	tun, _ := ssh.NewTunnel("bastion.example:22", ssh.TunnelConfig{
//	    Username:        "user",
//	    Signers:         signers,
//	    HostKeyCallback: hostKeys,
//	}, &net.Dialer{})
//
//	conn, err := tun.DialContext(ctx, "tcp", "internal.example:80")
package ssh
