package profile

// LanguageSpec defines how to compile and run one supported language.
type LanguageSpec struct {
	ID             string
	Name           string
	Version        string
	SourceFile     string
	BinaryFile     string
	CompileEnabled bool
	CompileCmdTpl  string
	RunCmdTpl      string
	Env            []string
}
