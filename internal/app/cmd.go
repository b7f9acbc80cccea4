package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はコード交換ブローカー（APIサーバー）として起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"

	// CommandLogin は対話的にサインインする。
	CommandLogin Command = "login"
	// CommandLogout はサインアウトして保存済みトークンを削除する。
	CommandLogout Command = "logout"
	// CommandStatus は保存済みトークンでサインイン状態を確認する。
	CommandStatus Command = "status"
	// CommandToken は保存済みトークンを標準出力に書き出す。
	CommandToken Command = "token"
	// CommandProfile はブローカーのプロフィールAPIを呼び出す。
	CommandProfile Command = "profile"
)

// IsClient はトークンストアとIdPを使うクライアント側のコマンドかどうかを返す。
func (c Command) IsClient() bool {
	switch c {
	case CommandLogin, CommandLogout, CommandStatus, CommandToken, CommandProfile:
		return true
	default:
		return false
	}
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandStatusを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandStatus
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandMigrate, CommandHealthcheck,
		CommandLogin, CommandLogout, CommandStatus, CommandToken, CommandProfile:
		return cmd
	default:
		return CommandStatus
	}
}
