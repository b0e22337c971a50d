package app

// Command はプロセスの起動モードを表す。
type Command string

const (
	// CommandServe はAPI、解析ディスパッチャ、未処理スキャンの回収を1プロセスで実行する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れのpendingスキャンの回収のみを実行する。
	// 解析ジョブのキューはserveプロセス内にあるため、ここでは解析を行わない。
	CommandWorker Command = "worker"
	// CommandMigrate は埋め込みマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを確認して終了する。
	// シェルのないdistrolessイメージのHEALTHCHECKから呼び出す。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数から起動モードを決める。
// 引数がない場合や未知のモードの場合はCommandServeを返す。2つ目以降の引数は無視する。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
