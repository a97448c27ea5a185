package config

// DefaultConfigTOML is a complete, commented sample cowfork.toml.
const DefaultConfigTOML = `# cowfork configuration file

# include = ["conf.d/*.toml"]    # extra files contributing [init.files]

[kernel]
# frames = 1024                  # physical page frames in the simulated machine
# max_envs = 1024                # size of the environment table
# backing = "heap"               # heap, mmap
# logfile = ""                   # daemon log file path (default: stdout)
# pidfile = ""                   # write the daemon PID here while running
# log_level = "info"             # debug, info, warn, error
# log_format = "json"            # json, text
# shutdown_timeout = 10          # seconds to wait for the API to drain

[fork]
# on_dup_error = "continue"      # continue, abort
# identity_va = 0x00804000       # where a forked child records its env id (0 = off)

[init]
# text_pages = 2                 # read-only text at UTEXT
# rodata_pages = 1               # read-only data after text
# data_pages = 2                 # writable data, copied on write after fork
# shared_pages = 1               # writable data marked shared

# Host files mapped into the init environment
# [init.files.banner]
# path = "%(here)s/banner.txt"   # REQUIRED
# va = 0x00810000                # page aligned, above the init image
# length = 0                     # bytes to map (0 = whole file)
# offset = 0                     # file offset
# prot = "r"                     # letters from rws

[server.unix]
# file = "/tmp/cowfork.sock"     # Unix socket path
# chmod = "0700"                 # socket file permissions

[server.http]
# enabled = false                # enable TCP HTTP server
# listen = "127.0.0.1:9877"      # TCP listen address
# username = ""                  # HTTP Basic Auth username
# password = ""                  # bcrypt-hashed password (cowfork hash-password)

[server.web]
# enabled = false                # serve the dashboard at / on the API listeners
# static_dir = ""                # override embedded dashboard assets
`
